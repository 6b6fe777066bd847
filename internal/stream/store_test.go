package stream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlaube/sessiond/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "session")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func records(lines ...string) []Record {
	out := make([]Record, 0, len(lines))
	for _, l := range lines {
		out = append(out, Record{Content: l, Raw: []byte(l + "\n")})
	}
	return out
}

func TestAppendAssignsMonotonicPositions(t *testing.T) {
	s := newTestStore(t)

	rng, err := s.Append(0, records("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, model.Range{Start: 0, End: 1}, rng)

	rng, err = s.Append(1, records("c"))
	require.NoError(t, err)
	assert.Equal(t, model.Range{Start: 2, End: 2}, rng)
	assert.Equal(t, uint64(3), s.Len())
}

func TestGrabReturnsContentAndSource(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(0, records("alpha", "beta"))
	require.NoError(t, err)
	_, err = s.Append(7, records("gamma"))
	require.NoError(t, err)

	elements, err := s.Grab(model.Range{Start: 1, End: 2})
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, "beta", elements[0].Content)
	assert.Equal(t, uint64(1), elements[0].Pos)
	assert.Equal(t, uint16(0), elements[0].SourceID)
	assert.Equal(t, "gamma", elements[1].Content)
	assert.Equal(t, uint16(7), elements[1].SourceID)
}

func TestGrabClipsRangePastTail(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(0, records("only"))
	require.NoError(t, err)

	elements, err := s.Grab(model.Range{Start: 0, End: 99})
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "only", elements[0].Content)

	elements, err = s.Grab(model.Range{Start: 5, End: 9})
	require.NoError(t, err)
	assert.Empty(t, elements)
}

func TestExportRawReproducesInputBytes(t *testing.T) {
	s := newTestStore(t)
	input := []Record{
		{Content: "one", Raw: []byte("one\n")},
		{Content: "two", Raw: []byte("two\r\n")},
		{Content: "bin", Raw: []byte{0x00, 0x01, 0x02}},
	}
	_, err := s.Append(0, input)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "export.raw")
	require.NoError(t, s.ExportRaw(dest, []model.Range{{Start: 0, End: 2}}))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("one\ntwo\r\n\x00\x01\x02"), got)
}

func TestExportWritesProcessedLines(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(0, records("a", "b", "c", "d"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "export.txt")
	require.NoError(t, s.Export(dest, []model.Range{
		{Start: 0, End: 0},
		{Start: 2, End: 3},
	}))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a\nc\nd\n", string(got))
}

func TestAppendSanitizesEmbeddedLineBreaks(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(0, []Record{{Content: "two\nlines", Raw: []byte("x")}})
	require.NoError(t, err)

	elements, err := s.Grab(model.Range{Start: 0, End: 0})
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "two lines", elements[0].Content)
	assert.Equal(t, uint64(1), s.Len())
}

func TestWatermarkTracksVisibleBytes(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(0, records("1234"))
	require.NoError(t, err)

	rows, bytes := s.Watermark()
	assert.Equal(t, uint64(1), rows)
	assert.Equal(t, uint64(5), bytes)

	info, err := os.Stat(s.ContentPath())
	require.NoError(t, err)
	assert.Equal(t, int64(bytes), info.Size())
}

func TestCloseRemovesBackingFiles(t *testing.T) {
	s, err := NewStore(t.TempDir(), "gone")
	require.NoError(t, err)
	_, err = s.Append(0, records("x"))
	require.NoError(t, err)
	contentPath := s.ContentPath()

	require.NoError(t, s.Close())
	_, err = os.Stat(contentPath)
	assert.True(t, os.IsNotExist(err))

	_, err = s.Append(0, records("y"))
	assert.Error(t, err)
}
