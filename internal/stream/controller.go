package stream

import (
	"github.com/vlaube/sessiond/internal/model"
)

const (
	breadcrumbMinDistance uint64 = 4
	breadcrumbMinOffset   uint64 = 2
)

// Mode selects how the indexed view is rendered.
type Mode uint8

const (
	// ModeNormal shows only search matches, bookmarks and selections.
	ModeNormal Mode = iota
	// ModeBreadcrumbs pads the gaps between anchors with context rows and
	// collapsible separators.
	ModeBreadcrumbs
)

// IndexController owns the index map and keeps the breadcrumb layer
// consistent while the stream grows and search results arrive. Not safe
// for concurrent use; the session serializes access.
type IndexController struct {
	imap *IndexMap
	mode Mode
}

func NewIndexController() *IndexController {
	return &IndexController{imap: NewIndexMap()}
}

func (c *IndexController) Mode() Mode {
	return c.mode
}

func (c *IndexController) Len() int {
	return c.imap.Len()
}

// anchors are positions pinned by the user or a search, as opposed to the
// derived breadcrumb layer.
func (c *IndexController) anchorMask() model.Nature {
	return model.NatureSearch | model.NatureBookmark
}

// rebuildTail recomputes breadcrumbs from the last anchor to the stream
// end, or from scratch when no anchor exists.
func (c *IndexController) rebuildTail() error {
	if c.mode != ModeBreadcrumbs {
		return nil
	}
	if anchor, ok := c.imap.LastKeyForNature(c.anchorMask()); ok {
		return c.imap.UpdateBreadcrumbs(anchor, breadcrumbMinDistance, breadcrumbMinOffset)
	}
	return c.imap.BuildBreadcrumbs(breadcrumbMinDistance, breadcrumbMinOffset)
}

func (c *IndexController) rebuildAll() error {
	if c.mode != ModeBreadcrumbs {
		return nil
	}
	return c.imap.BuildBreadcrumbs(breadcrumbMinDistance, breadcrumbMinOffset)
}

func (c *IndexController) SetMode(mode Mode) error {
	if c.mode == mode {
		return nil
	}
	c.mode = mode
	if mode == ModeBreadcrumbs {
		return c.imap.BuildBreadcrumbs(breadcrumbMinDistance, breadcrumbMinOffset)
	}
	c.imap.Clean(model.NatureBreadcrumb)
	c.imap.Clean(model.NatureBreadcrumbSeparator)
	return nil
}

func (c *IndexController) SetStreamLen(len_ uint64) error {
	c.imap.SetStreamLen(len_)
	return c.rebuildTail()
}

func (c *IndexController) StreamLen() uint64 {
	return c.imap.StreamLen()
}

// AppendSearchResults adds matches of an incremental search pass. The
// breadcrumb tail is rebuilt from the anchor that preceded the new
// matches.
func (c *IndexController) AppendSearchResults(matches []model.FilterMatch) error {
	anchor, hadAnchor := c.imap.LastKeyForNature(c.anchorMask())
	positions := make([]uint64, 0, len(matches))
	for _, m := range matches {
		positions = append(positions, m.Index)
	}
	c.imap.Insert(positions, model.NatureSearch)
	if c.mode != ModeBreadcrumbs {
		return nil
	}
	if hadAnchor {
		return c.imap.UpdateBreadcrumbs(anchor, breadcrumbMinDistance, breadcrumbMinOffset)
	}
	return c.imap.BuildBreadcrumbs(breadcrumbMinDistance, breadcrumbMinOffset)
}

// SetSearchResults replaces all search matches.
func (c *IndexController) SetSearchResults(matches []model.FilterMatch) error {
	c.imap.Clean(model.NatureSearch)
	positions := make([]uint64, 0, len(matches))
	for _, m := range matches {
		positions = append(positions, m.Index)
	}
	c.imap.Insert(positions, model.NatureSearch)
	return c.rebuildAll()
}

// DropSearchResults removes the search layer, keeping bookmarks.
func (c *IndexController) DropSearchResults() error {
	c.imap.Clean(model.NatureSearch)
	return c.rebuildAll()
}

// AddBookmark pins a position. Adding an existing bookmark is a no-op.
func (c *IndexController) AddBookmark(pos uint64) error {
	c.imap.Insert([]uint64{pos}, model.NatureBookmark)
	return c.rebuildAll()
}

// RemoveBookmark unpins a position. Removing a missing bookmark is a
// no-op.
func (c *IndexController) RemoveBookmark(pos uint64) error {
	c.imap.Remove([]uint64{pos}, model.NatureBookmark)
	return c.rebuildAll()
}

// SetBookmarks replaces the bookmark set.
func (c *IndexController) SetBookmarks(positions []uint64) error {
	c.imap.Clean(model.NatureBookmark)
	c.imap.Insert(positions, model.NatureBookmark)
	return c.rebuildAll()
}

// AddSelection marks a range of rows as selected in the indexed view.
func (c *IndexController) AddSelection(rng model.Range) error {
	c.imap.InsertRange(rng, model.NatureSelection)
	return nil
}

// RemoveSelection drops the selection marks of a range.
func (c *IndexController) RemoveSelection(rng model.Range) error {
	c.imap.RemoveRange(rng, model.NatureSelection)
	return nil
}

func (c *IndexController) ExtendBreadcrumbs(separator, offset uint64, above bool) error {
	return c.imap.ExtendBreadcrumbs(separator, offset, above)
}

func (c *IndexController) Frame(rng model.Range) (IndexFrame, error) {
	return c.imap.Frame(rng)
}

func (c *IndexController) AroundIndexes(pos uint64) (before, after *uint64, err error) {
	return c.imap.AroundIndexes(pos)
}

func (c *IndexController) AllRanges() []model.Range {
	return c.imap.AllRanges()
}

func (c *IndexController) NatureAt(pos uint64) model.Nature {
	return c.imap.NatureAt(pos)
}
