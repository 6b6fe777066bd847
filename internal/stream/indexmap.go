package stream

import (
	"sort"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/model"
)

// IndexMap is an ordered map from stream position to the natures that make
// the position part of the filtered view.
type IndexMap struct {
	keys      []uint64
	natures   map[uint64]model.Nature
	streamLen uint64
}

func NewIndexMap() *IndexMap {
	return &IndexMap{natures: map[uint64]model.Nature{}}
}

func (m *IndexMap) Len() int {
	return len(m.keys)
}

func (m *IndexMap) StreamLen() uint64 {
	return m.streamLen
}

func (m *IndexMap) SetStreamLen(len_ uint64) {
	m.streamLen = len_
}

// keyIndex returns the slot of pos in the ordered key list and whether the
// position is present.
func (m *IndexMap) keyIndex(pos uint64) (int, bool) {
	i := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= pos })
	return i, i < len(m.keys) && m.keys[i] == pos
}

func (m *IndexMap) insertOne(pos uint64, nature model.Nature) {
	if existing, ok := m.natures[pos]; ok {
		m.natures[pos] = existing.With(nature)
		return
	}
	m.natures[pos] = nature
	i, _ := m.keyIndex(pos)
	m.keys = append(m.keys, 0)
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = pos
}

func (m *IndexMap) removeOne(pos uint64, nature model.Nature) {
	existing, ok := m.natures[pos]
	if !ok {
		return
	}
	remaining := existing.Without(nature)
	if remaining != 0 {
		m.natures[pos] = remaining
		return
	}
	delete(m.natures, pos)
	if i, found := m.keyIndex(pos); found {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
}

func (m *IndexMap) Insert(positions []uint64, nature model.Nature) {
	for _, pos := range positions {
		m.insertOne(pos, nature)
	}
}

func (m *IndexMap) InsertRange(rng model.Range, nature model.Nature) {
	for pos := rng.Start; pos <= rng.End; pos++ {
		m.insertOne(pos, nature)
	}
}

func (m *IndexMap) Remove(positions []uint64, nature model.Nature) {
	for _, pos := range positions {
		m.removeOne(pos, nature)
	}
}

func (m *IndexMap) RemoveRange(rng model.Range, nature model.Nature) {
	for pos := rng.Start; pos <= rng.End; pos++ {
		m.removeOne(pos, nature)
	}
}

// Clean strips nature from every position, dropping positions that end up
// with no natures at all.
func (m *IndexMap) Clean(nature model.Nature) {
	kept := m.keys[:0]
	for _, pos := range m.keys {
		remaining := m.natures[pos].Without(nature)
		if remaining == 0 {
			delete(m.natures, pos)
			continue
		}
		m.natures[pos] = remaining
		kept = append(kept, pos)
	}
	m.keys = kept
}

// NatureAt returns the natures of pos, zero when pos is not indexed.
func (m *IndexMap) NatureAt(pos uint64) model.Nature {
	return m.natures[pos]
}

// insertBetween fills a gap with leading and trailing breadcrumbs and one
// separator in the middle.
func (m *IndexMap) insertBetween(rng model.Range, minOffset uint64) error {
	if rng.End >= m.streamLen {
		return cerror.New(cerror.KindGrabber, "out of range: index %d, stream len %d", rng.End, m.streamLen)
	}
	if rng.End-rng.Start < minOffset*2+1 {
		return cerror.New(cerror.KindGrabber, "gap [%d..%d] too small for offset %d", rng.Start, rng.End, minOffset)
	}
	middle := (rng.End-rng.Start)/2 + rng.Start
	m.InsertRange(model.Range{Start: rng.Start, End: rng.Start + minOffset - 1}, model.NatureBreadcrumb)
	m.insertOne(middle, model.NatureBreadcrumbSeparator)
	m.InsertRange(model.Range{Start: rng.End - minOffset + 1, End: rng.End}, model.NatureBreadcrumb)
	return nil
}

// insertBreadcrumbs fills the gaps between anchors starting at the given
// key slot, plus the head gap (slot 0 only) and the tail gap.
func (m *IndexMap) insertBreadcrumbs(fromKeyIndex int, minDistance, minOffset uint64) error {
	if m.streamLen == 0 || m.Len() == 0 {
		return nil
	}
	if fromKeyIndex >= m.Len() {
		return cerror.New(cerror.KindGrabber, "cannot insert breadcrumbs from slot %d, map len %d", fromKeyIndex, m.Len())
	}
	if fromKeyIndex == 0 {
		first := m.keys[0]
		if first > 0 {
			if first <= minDistance+2 {
				m.InsertRange(model.Range{Start: 0, End: first - 1}, model.NatureBreadcrumb)
			} else if err := m.insertBetween(model.Range{Start: 0, End: first - 1}, minOffset); err != nil {
				return err
			}
		}
	}
	target := m.keys[fromKeyIndex:]
	for i := 0; i+1 < len(target); i++ {
		from, to := target[i], target[i+1]
		distance := to - from
		if distance == 1 {
			continue
		}
		if distance <= minDistance+2 {
			m.InsertRange(model.Range{Start: from, End: to - 1}, model.NatureBreadcrumb)
		} else if err := m.insertBetween(model.Range{Start: from + 1, End: to - 1}, minOffset); err != nil {
			return err
		}
	}
	last := m.keys[len(m.keys)-1]
	if last < m.streamLen-1 {
		rest := m.streamLen - last
		if rest <= minDistance+2 {
			m.InsertRange(model.Range{Start: last, End: m.streamLen - 1}, model.NatureBreadcrumb)
		} else if err := m.insertBetween(model.Range{Start: last + 1, End: m.streamLen - 1}, minOffset); err != nil {
			return err
		}
	}
	return nil
}

// BuildBreadcrumbs recomputes the whole breadcrumb layer from scratch.
func (m *IndexMap) BuildBreadcrumbs(minDistance, minOffset uint64) error {
	m.Clean(model.NatureBreadcrumb)
	m.Clean(model.NatureBreadcrumbSeparator)
	m.Clean(model.NatureSelection)
	return m.insertBreadcrumbs(0, minDistance, minOffset)
}

// UpdateBreadcrumbs rebuilds the breadcrumb layer from the anchor at
// position from to the stream tail.
func (m *IndexMap) UpdateBreadcrumbs(from uint64, minDistance, minOffset uint64) error {
	if m.streamLen == 0 {
		return nil
	}
	keyIndex, found := m.keyIndex(from)
	if !found {
		return cerror.New(cerror.KindGrabber, "position %d is not indexed", from)
	}
	m.RemoveRange(model.Range{Start: from, End: m.streamLen - 1}, model.NatureBreadcrumb)
	m.RemoveRange(model.Range{Start: from, End: m.streamLen - 1}, model.NatureBreadcrumbSeparator)
	return m.insertBreadcrumbs(keyIndex, minDistance, minOffset)
}

// ExtendBreadcrumbs grows the visible rows around a separator by offset
// positions, above or below. A separator whose gap closes completely turns
// into a plain breadcrumb.
func (m *IndexMap) ExtendBreadcrumbs(separator uint64, offset uint64, above bool) error {
	nature, ok := m.natures[separator]
	if !ok {
		return cerror.New(cerror.KindGrabber, "position %d is not indexed", separator)
	}
	if !nature.Has(model.NatureBreadcrumbSeparator) {
		return cerror.New(cerror.KindGrabber, "position %d is not a breadcrumb separator", separator)
	}
	before, after, err := m.AroundIndexes(separator)
	if err != nil {
		return err
	}
	selfCheck := false
	if above && before != nil {
		if *before != separator-1 {
			min := separator - 1
			if *before+offset < min {
				min = *before + offset
			}
			m.InsertRange(model.Range{Start: *before + 1, End: min}, model.NatureBreadcrumb)
			selfCheck = min == separator-1
		}
	} else if !above && after != nil {
		if *after != separator+1 {
			max := separator + 1
			if *after >= offset && *after-offset > max {
				max = *after - offset
			}
			m.InsertRange(model.Range{Start: max, End: *after - 1}, model.NatureBreadcrumb)
			selfCheck = max == separator+1
		}
	}
	if !selfCheck {
		return nil
	}
	before, after, err = m.AroundIndexes(separator)
	if err != nil {
		return err
	}
	closed := true
	if before != nil && after != nil {
		closed = *after-1 == separator && separator == *before+1
	} else if before != nil {
		closed = separator == *before+1
	} else if after != nil {
		closed = *after-1 == separator
	}
	if closed {
		m.removeOne(separator, model.NatureBreadcrumbSeparator)
		m.insertOne(separator, model.NatureBreadcrumb)
	}
	return nil
}

// AroundIndexes returns the indexed positions directly before and after
// pos in key order, nil when pos sits at an edge.
func (m *IndexMap) AroundIndexes(pos uint64) (before, after *uint64, err error) {
	i, found := m.keyIndex(pos)
	if !found {
		return nil, nil, cerror.New(cerror.KindGrabber, "position %d is not indexed", pos)
	}
	if i > 0 {
		b := m.keys[i-1]
		before = &b
	}
	if i < len(m.keys)-1 {
		a := m.keys[i+1]
		after = &a
	}
	return before, after, nil
}

// LastKeyForNature returns the highest position carrying any of the given
// natures.
func (m *IndexMap) LastKeyForNature(mask model.Nature) (uint64, bool) {
	for i := len(m.keys) - 1; i >= 0; i-- {
		if m.natures[m.keys[i]].Has(mask) {
			return m.keys[i], true
		}
	}
	return 0, false
}

// IndexedEntry pairs a stream position with its natures.
type IndexedEntry struct {
	Position uint64
	Nature   model.Nature
}

// IndexFrame is a window over the index map, addressed by key slots.
type IndexFrame struct {
	Entries []IndexedEntry
}

// Frame extracts the entries of the key slot range rng (not stream
// positions).
func (m *IndexMap) Frame(rng model.Range) (IndexFrame, error) {
	if rng.End >= uint64(m.Len()) {
		return IndexFrame{}, cerror.New(cerror.KindGrabber, "out of range: map len %d, requested [%d..%d]", m.Len(), rng.Start, rng.End)
	}
	entries := make([]IndexedEntry, 0, rng.End-rng.Start+1)
	for i := rng.Start; i <= rng.End; i++ {
		pos := m.keys[i]
		entries = append(entries, IndexedEntry{Position: pos, Nature: m.natures[pos]})
	}
	return IndexFrame{Entries: entries}, nil
}

// AllRanges folds the indexed positions into inclusive ranges of
// consecutive stream positions.
func (m *IndexMap) AllRanges() []model.Range {
	if len(m.keys) == 0 {
		return nil
	}
	frame := IndexFrame{Entries: make([]IndexedEntry, 0, len(m.keys))}
	for _, pos := range m.keys {
		frame.Entries = append(frame.Entries, IndexedEntry{Position: pos, Nature: m.natures[pos]})
	}
	return frame.Ranges()
}

// Ranges folds the frame into inclusive ranges of consecutive positions.
func (f IndexFrame) Ranges() []model.Range {
	var ranges []model.Range
	var from, to uint64
	for i, entry := range f.Entries {
		if i == 0 {
			from = entry.Position
		} else if to+1 != entry.Position {
			ranges = append(ranges, model.Range{Start: from, End: to})
			from = entry.Position
		}
		to = entry.Position
	}
	if len(f.Entries) > 0 {
		if len(ranges) == 0 || ranges[len(ranges)-1].Start != from {
			ranges = append(ranges, model.Range{Start: from, End: to})
		}
	}
	return ranges
}

// Naturalize stamps the frame natures onto grabbed elements, position by
// position.
func (f IndexFrame) Naturalize(elements []model.GrabbedElement) error {
	if len(elements) != len(f.Entries) {
		return cerror.New(cerror.KindGrabber, "cannot naturalize: %d indexes, %d elements", len(f.Entries), len(elements))
	}
	for i := range elements {
		elements[i].Nature = uint8(f.Entries[i].Nature)
	}
	return nil
}
