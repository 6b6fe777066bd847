package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlaube/sessiond/internal/model"
)

func matches(indexes ...uint64) []model.FilterMatch {
	out := make([]model.FilterMatch, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, model.FilterMatch{Index: i, Filters: []uint8{0}})
	}
	return out
}

type expected struct {
	pos    uint64
	nature model.Nature
}

func assertFrame(t *testing.T, c *IndexController, control []expected) {
	t.Helper()
	require.Equal(t, len(control), c.Len())
	frame, err := c.Frame(model.Range{Start: 0, End: uint64(c.Len() - 1)})
	require.NoError(t, err)
	require.Len(t, frame.Entries, len(control))
	for i, want := range control {
		assert.Equal(t, want.pos, frame.Entries[i].Position, "slot %d", i)
		assert.True(t, frame.Entries[i].Nature.Has(want.nature),
			"slot %d pos %d: nature %b misses %b", i, want.pos, frame.Entries[i].Nature, want.nature)
	}
}

func TestBreadcrumbLifecycle(t *testing.T) {
	c := NewIndexController()
	require.NoError(t, c.SetStreamLen(30))
	require.NoError(t, c.AppendSearchResults(matches(0, 10, 20, 30)))
	assertFrame(t, c, []expected{
		{0, model.NatureSearch},
		{10, model.NatureSearch},
		{20, model.NatureSearch},
		{30, model.NatureSearch},
	})

	require.NoError(t, c.SetMode(ModeBreadcrumbs))
	assertFrame(t, c, []expected{
		{0, model.NatureSearch},
		{1, model.NatureBreadcrumb},
		{2, model.NatureBreadcrumb},
		{5, model.NatureBreadcrumbSeparator},
		{8, model.NatureBreadcrumb},
		{9, model.NatureBreadcrumb},
		{10, model.NatureSearch},
		{11, model.NatureBreadcrumb},
		{12, model.NatureBreadcrumb},
		{15, model.NatureBreadcrumbSeparator},
		{18, model.NatureBreadcrumb},
		{19, model.NatureBreadcrumb},
		{20, model.NatureSearch},
		{21, model.NatureBreadcrumb},
		{22, model.NatureBreadcrumb},
		{25, model.NatureBreadcrumbSeparator},
		{28, model.NatureBreadcrumb},
		{29, model.NatureBreadcrumb},
		{30, model.NatureSearch},
	})

	// Growing the stream extends the tail behind the last anchor.
	require.NoError(t, c.SetStreamLen(40))
	assertFrame(t, c, []expected{
		{0, model.NatureSearch},
		{1, model.NatureBreadcrumb},
		{2, model.NatureBreadcrumb},
		{5, model.NatureBreadcrumbSeparator},
		{8, model.NatureBreadcrumb},
		{9, model.NatureBreadcrumb},
		{10, model.NatureSearch},
		{11, model.NatureBreadcrumb},
		{12, model.NatureBreadcrumb},
		{15, model.NatureBreadcrumbSeparator},
		{18, model.NatureBreadcrumb},
		{19, model.NatureBreadcrumb},
		{20, model.NatureSearch},
		{21, model.NatureBreadcrumb},
		{22, model.NatureBreadcrumb},
		{25, model.NatureBreadcrumbSeparator},
		{28, model.NatureBreadcrumb},
		{29, model.NatureBreadcrumb},
		{30, model.NatureSearch},
		{31, model.NatureBreadcrumb},
		{32, model.NatureBreadcrumb},
		{35, model.NatureBreadcrumbSeparator},
		{38, model.NatureBreadcrumb},
		{39, model.NatureBreadcrumb},
	})

	// Extending above a separator fills rows but keeps the separator while
	// a gap remains below it.
	require.NoError(t, c.ExtendBreadcrumbs(5, 2, true))
	assertFrame(t, c, []expected{
		{0, model.NatureSearch},
		{1, model.NatureBreadcrumb},
		{2, model.NatureBreadcrumb},
		{3, model.NatureBreadcrumb},
		{4, model.NatureBreadcrumb},
		{5, model.NatureBreadcrumbSeparator},
		{8, model.NatureBreadcrumb},
		{9, model.NatureBreadcrumb},
		{10, model.NatureSearch},
		{11, model.NatureBreadcrumb},
		{12, model.NatureBreadcrumb},
		{15, model.NatureBreadcrumbSeparator},
		{18, model.NatureBreadcrumb},
		{19, model.NatureBreadcrumb},
		{20, model.NatureSearch},
		{21, model.NatureBreadcrumb},
		{22, model.NatureBreadcrumb},
		{25, model.NatureBreadcrumbSeparator},
		{28, model.NatureBreadcrumb},
		{29, model.NatureBreadcrumb},
		{30, model.NatureSearch},
		{31, model.NatureBreadcrumb},
		{32, model.NatureBreadcrumb},
		{35, model.NatureBreadcrumbSeparator},
		{38, model.NatureBreadcrumb},
		{39, model.NatureBreadcrumb},
	})

	// Closing the remaining gap collapses the separator into a breadcrumb.
	require.NoError(t, c.ExtendBreadcrumbs(5, 2, false))
	assertFrame(t, c, []expected{
		{0, model.NatureSearch},
		{1, model.NatureBreadcrumb},
		{2, model.NatureBreadcrumb},
		{3, model.NatureBreadcrumb},
		{4, model.NatureBreadcrumb},
		{5, model.NatureBreadcrumb},
		{6, model.NatureBreadcrumb},
		{7, model.NatureBreadcrumb},
		{8, model.NatureBreadcrumb},
		{9, model.NatureBreadcrumb},
		{10, model.NatureSearch},
		{11, model.NatureBreadcrumb},
		{12, model.NatureBreadcrumb},
		{15, model.NatureBreadcrumbSeparator},
		{18, model.NatureBreadcrumb},
		{19, model.NatureBreadcrumb},
		{20, model.NatureSearch},
		{21, model.NatureBreadcrumb},
		{22, model.NatureBreadcrumb},
		{25, model.NatureBreadcrumbSeparator},
		{28, model.NatureBreadcrumb},
		{29, model.NatureBreadcrumb},
		{30, model.NatureSearch},
		{31, model.NatureBreadcrumb},
		{32, model.NatureBreadcrumb},
		{35, model.NatureBreadcrumbSeparator},
		{38, model.NatureBreadcrumb},
		{39, model.NatureBreadcrumb},
	})

	require.NoError(t, c.SetStreamLen(100))
	assertFrame(t, c, []expected{
		{0, model.NatureSearch},
		{1, model.NatureBreadcrumb},
		{2, model.NatureBreadcrumb},
		{3, model.NatureBreadcrumb},
		{4, model.NatureBreadcrumb},
		{5, model.NatureBreadcrumb},
		{6, model.NatureBreadcrumb},
		{7, model.NatureBreadcrumb},
		{8, model.NatureBreadcrumb},
		{9, model.NatureBreadcrumb},
		{10, model.NatureSearch},
		{11, model.NatureBreadcrumb},
		{12, model.NatureBreadcrumb},
		{15, model.NatureBreadcrumbSeparator},
		{18, model.NatureBreadcrumb},
		{19, model.NatureBreadcrumb},
		{20, model.NatureSearch},
		{21, model.NatureBreadcrumb},
		{22, model.NatureBreadcrumb},
		{25, model.NatureBreadcrumbSeparator},
		{28, model.NatureBreadcrumb},
		{29, model.NatureBreadcrumb},
		{30, model.NatureSearch},
		{31, model.NatureBreadcrumb},
		{32, model.NatureBreadcrumb},
		{65, model.NatureBreadcrumbSeparator},
		{98, model.NatureBreadcrumb},
		{99, model.NatureBreadcrumb},
	})

	require.NoError(t, c.AppendSearchResults(matches(97, 98)))
	assertFrame(t, c, []expected{
		{0, model.NatureSearch},
		{1, model.NatureBreadcrumb},
		{2, model.NatureBreadcrumb},
		{3, model.NatureBreadcrumb},
		{4, model.NatureBreadcrumb},
		{5, model.NatureBreadcrumb},
		{6, model.NatureBreadcrumb},
		{7, model.NatureBreadcrumb},
		{8, model.NatureBreadcrumb},
		{9, model.NatureBreadcrumb},
		{10, model.NatureSearch},
		{11, model.NatureBreadcrumb},
		{12, model.NatureBreadcrumb},
		{15, model.NatureBreadcrumbSeparator},
		{18, model.NatureBreadcrumb},
		{19, model.NatureBreadcrumb},
		{20, model.NatureSearch},
		{21, model.NatureBreadcrumb},
		{22, model.NatureBreadcrumb},
		{25, model.NatureBreadcrumbSeparator},
		{28, model.NatureBreadcrumb},
		{29, model.NatureBreadcrumb},
		{30, model.NatureSearch},
		{31, model.NatureBreadcrumb},
		{32, model.NatureBreadcrumb},
		{63, model.NatureBreadcrumbSeparator},
		{95, model.NatureBreadcrumb},
		{96, model.NatureBreadcrumb},
		{97, model.NatureSearch},
		{98, model.NatureSearch},
		{99, model.NatureBreadcrumb},
	})

	require.NoError(t, c.SetStreamLen(120))
	require.NoError(t, c.AppendSearchResults(matches(101, 105, 111)))
	assertFrame(t, c, []expected{
		{0, model.NatureSearch},
		{1, model.NatureBreadcrumb},
		{2, model.NatureBreadcrumb},
		{3, model.NatureBreadcrumb},
		{4, model.NatureBreadcrumb},
		{5, model.NatureBreadcrumb},
		{6, model.NatureBreadcrumb},
		{7, model.NatureBreadcrumb},
		{8, model.NatureBreadcrumb},
		{9, model.NatureBreadcrumb},
		{10, model.NatureSearch},
		{11, model.NatureBreadcrumb},
		{12, model.NatureBreadcrumb},
		{15, model.NatureBreadcrumbSeparator},
		{18, model.NatureBreadcrumb},
		{19, model.NatureBreadcrumb},
		{20, model.NatureSearch},
		{21, model.NatureBreadcrumb},
		{22, model.NatureBreadcrumb},
		{25, model.NatureBreadcrumbSeparator},
		{28, model.NatureBreadcrumb},
		{29, model.NatureBreadcrumb},
		{30, model.NatureSearch},
		{31, model.NatureBreadcrumb},
		{32, model.NatureBreadcrumb},
		{63, model.NatureBreadcrumbSeparator},
		{95, model.NatureBreadcrumb},
		{96, model.NatureBreadcrumb},
		{97, model.NatureSearch},
		{98, model.NatureSearch},
		{99, model.NatureBreadcrumb},
		{100, model.NatureBreadcrumb},
		{101, model.NatureSearch},
		{102, model.NatureBreadcrumb},
		{103, model.NatureBreadcrumb},
		{104, model.NatureBreadcrumb},
		{105, model.NatureSearch},
		{106, model.NatureBreadcrumb},
		{107, model.NatureBreadcrumb},
		{108, model.NatureBreadcrumb},
		{109, model.NatureBreadcrumb},
		{110, model.NatureBreadcrumb},
		{111, model.NatureSearch},
		{112, model.NatureBreadcrumb},
		{113, model.NatureBreadcrumb},
		{115, model.NatureBreadcrumbSeparator},
		{118, model.NatureBreadcrumb},
		{119, model.NatureBreadcrumb},
	})
}

func TestBookmarksAreIdempotent(t *testing.T) {
	c := NewIndexController()
	require.NoError(t, c.SetStreamLen(10))
	require.NoError(t, c.AddBookmark(3))
	require.NoError(t, c.AddBookmark(3))
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.NatureAt(3).Has(model.NatureBookmark))

	require.NoError(t, c.RemoveBookmark(3))
	require.NoError(t, c.RemoveBookmark(3))
	assert.Equal(t, 0, c.Len())
}

func TestBookmarkSurvivesSearchDrop(t *testing.T) {
	c := NewIndexController()
	require.NoError(t, c.SetStreamLen(20))
	require.NoError(t, c.AppendSearchResults(matches(5)))
	require.NoError(t, c.AddBookmark(5))
	require.NoError(t, c.DropSearchResults())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.NatureAt(5).Has(model.NatureBookmark))
	assert.False(t, c.NatureAt(5).Has(model.NatureSearch))
}

func TestFrameRangesFoldConsecutivePositions(t *testing.T) {
	m := NewIndexMap()
	m.Insert([]uint64{1, 2, 3, 7, 8, 12}, model.NatureSearch)
	assert.Equal(t, []model.Range{
		{Start: 1, End: 3},
		{Start: 7, End: 8},
		{Start: 12, End: 12},
	}, m.AllRanges())
}

func TestNaturalizeStampsNatures(t *testing.T) {
	m := NewIndexMap()
	m.SetStreamLen(10)
	m.Insert([]uint64{2, 3}, model.NatureSearch)
	m.Insert([]uint64{3}, model.NatureBookmark)

	frame, err := m.Frame(model.Range{Start: 0, End: 1})
	require.NoError(t, err)
	elements := []model.GrabbedElement{{Pos: 2}, {Pos: 3}}
	require.NoError(t, frame.Naturalize(elements))
	assert.Equal(t, uint8(model.NatureSearch), elements[0].Nature)
	assert.Equal(t, uint8(model.NatureSearch|model.NatureBookmark), elements[1].Nature)

	err = frame.Naturalize([]model.GrabbedElement{{Pos: 2}})
	assert.Error(t, err)
}

func TestAroundIndexes(t *testing.T) {
	m := NewIndexMap()
	m.SetStreamLen(50)
	m.Insert([]uint64{10, 20, 30}, model.NatureSearch)

	before, after, err := m.AroundIndexes(20)
	require.NoError(t, err)
	require.NotNil(t, before)
	require.NotNil(t, after)
	assert.Equal(t, uint64(10), *before)
	assert.Equal(t, uint64(30), *after)

	before, after, err = m.AroundIndexes(10)
	require.NoError(t, err)
	assert.Nil(t, before)
	require.NotNil(t, after)
	assert.Equal(t, uint64(20), *after)

	_, _, err = m.AroundIndexes(15)
	assert.Error(t, err)
}
