package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/model"
)

// fileSource mimics the stream store watermark over a plain file.
type fileSource struct {
	t     *testing.T
	path  string
	rows  uint64
	bytes uint64
}

func newFileSource(t *testing.T) *fileSource {
	t.Helper()
	return &fileSource{t: t, path: filepath.Join(t.TempDir(), "content.stream")}
}

func (s *fileSource) append(lines ...string) {
	s.t.Helper()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(s.t, err)
	defer f.Close()
	for _, l := range lines {
		n, err := f.WriteString(l + "\n")
		require.NoError(s.t, err)
		s.bytes += uint64(n)
		s.rows++
	}
}

func (s *fileSource) ContentPath() string { return s.path }

func (s *fileSource) Watermark() (uint64, uint64) { return s.rows, s.bytes }

func TestScanFindsMatches(t *testing.T) {
	src := newFileSource(t)
	src.append("a", "b", "ab", "ba")
	e := NewEngine(src)

	notes, err := e.SetFilters([]model.SearchFilter{{Value: "a"}})
	require.NoError(t, err)
	require.Empty(t, notes)

	added, err := e.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, added, 3)
	assert.Equal(t, uint64(0), added[0].Index)
	assert.Equal(t, uint64(2), added[1].Index)
	assert.Equal(t, uint64(3), added[2].Index)
	assert.Equal(t, uint64(3), e.Found())
	assert.Equal(t, model.SearchStat{0: 3}, e.Stat())

	nearest := e.NearestTo(1)
	require.NotNil(t, nearest)
	assert.Equal(t, model.NearestPosition{Index: 1, Position: 2}, *nearest)
}

func TestScanIsIncremental(t *testing.T) {
	src := newFileSource(t)
	src.append("x", "y")
	e := NewEngine(src)

	_, err := e.SetFilters([]model.SearchFilter{{Value: "x"}})
	require.NoError(t, err)

	added, err := e.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, uint64(0), added[0].Index)

	src.append("z", "x")
	added, err = e.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, uint64(3), added[0].Index)
	assert.Equal(t, uint64(2), e.Found())

	// nothing new: a pass over the same watermark adds nothing
	added, err = e.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestSetFiltersResetsResults(t *testing.T) {
	src := newFileSource(t)
	src.append("alpha", "beta")
	e := NewEngine(src)

	_, err := e.SetFilters([]model.SearchFilter{{Value: "alpha"}})
	require.NoError(t, err)
	_, err = e.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Found())

	_, err = e.SetFilters([]model.SearchFilter{{Value: "beta"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e.Found())

	added, err := e.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, uint64(1), added[0].Index)
}

func TestCanceledScanLeavesStateUntouched(t *testing.T) {
	src := newFileSource(t)
	src.append("a", "b", "a")
	e := NewEngine(src)

	_, err := e.SetFilters([]model.SearchFilter{{Value: "a"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Scan(ctx)
	require.ErrorIs(t, err, cerror.ErrCancelled)
	assert.Equal(t, uint64(0), e.Found())

	added, err := e.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, added, 2)
}

func TestScanWithoutFiltersIsNoop(t *testing.T) {
	src := newFileSource(t)
	src.append("a")
	e := NewEngine(src)

	added, err := e.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestSetFiltersFailsWhenAllInvalid(t *testing.T) {
	src := newFileSource(t)
	e := NewEngine(src)

	notes, err := e.SetFilters([]model.SearchFilter{{Value: "(", IsRegex: true}})
	require.Error(t, err)
	assert.Len(t, notes, 1)
}

func TestDropFiltersClearsMap(t *testing.T) {
	src := newFileSource(t)
	src.append("a")
	e := NewEngine(src)

	_, err := e.SetFilters([]model.SearchFilter{{Value: "a"}})
	require.NoError(t, err)
	_, err = e.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Found())

	e.DropFilters()
	assert.Equal(t, uint64(0), e.Found())
	assert.Empty(t, e.Stat())
}

func TestScannerRejectsShrunkenLimit(t *testing.T) {
	src := newFileSource(t)
	src.append("0123456789")
	sc := NewScanner(src.path)
	require.NoError(t, sc.Scan(context.Background(), 1, 11, func(uint64, string) {}))

	err := sc.Scan(context.Background(), 0, 5, func(uint64, string) {})
	require.Error(t, err)
}

func TestValueScanCollectsSamples(t *testing.T) {
	src := newFileSource(t)
	src.append("cpu=1.5", "noise", "cpu=2.5")
	e := NewEngine(src)

	notes, err := e.SetValueFilters([]string{`cpu=(\d+(?:\.\d+)?)`})
	require.NoError(t, err)
	require.Empty(t, notes)
	require.NoError(t, e.ScanValues(context.Background()))

	ranges := e.ValueRanges()
	assert.Equal(t, model.ValueRange{Min: 1.5, Max: 2.5}, ranges[0])

	candled := e.Candled(100, nil)
	require.Len(t, candled[0], 2)
	assert.Equal(t, uint64(0), candled[0][0].Row)
	assert.Equal(t, 1.5, candled[0][0].YVal)
	assert.Equal(t, uint64(2), candled[0][1].Row)

	// incremental: a new row extends the collected samples
	src.append("cpu=9")
	require.NoError(t, e.ScanValues(context.Background()))
	assert.Equal(t, model.ValueRange{Min: 1.5, Max: 9}, e.ValueRanges()[0])
}
