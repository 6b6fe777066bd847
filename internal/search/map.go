package search

import (
	"sort"

	"github.com/vlaube/sessiond/internal/model"
)

// FilterCount is one slot entry of the scaled distribution.
type FilterCount struct {
	Filter uint8  `json:"filter"`
	Count  uint16 `json:"count"`
}

// SearchMap is the ordered list of matched stream positions. It answers
// both exact lookups (search row to stream row) and the decimated
// distribution used for the scrollbar density bar.
type SearchMap struct {
	matches   []model.FilterMatch
	streamLen uint64
}

func NewSearchMap() *SearchMap {
	return &SearchMap{}
}

func (m *SearchMap) Len() uint64 {
	return uint64(len(m.matches))
}

func (m *SearchMap) SetStreamLen(len_ uint64) {
	m.streamLen = len_
}

func (m *SearchMap) StreamLen() uint64 {
	return m.streamLen
}

// Set replaces all matches.
func (m *SearchMap) Set(matches []model.FilterMatch) {
	m.matches = append(m.matches[:0], matches...)
}

// Append adds matches of an incremental pass. Positions arrive in
// ascending order.
func (m *SearchMap) Append(matches []model.FilterMatch) {
	m.matches = append(m.matches, matches...)
}

func (m *SearchMap) Drop() {
	m.matches = nil
}

// Matches returns a copy of the match list.
func (m *SearchMap) Matches() []model.FilterMatch {
	out := make([]model.FilterMatch, len(m.matches))
	copy(out, m.matches)
	return out
}

// Position maps a search row to its stream position.
func (m *SearchMap) Position(searchRow uint64) (uint64, bool) {
	if searchRow >= uint64(len(m.matches)) {
		return 0, false
	}
	return m.matches[searchRow].Index, true
}

// Positions returns the stream positions of the search rows in rng,
// clipped to the match list.
func (m *SearchMap) Positions(rng model.Range) []uint64 {
	if rng.Start >= uint64(len(m.matches)) {
		return nil
	}
	end := rng.End
	if end >= uint64(len(m.matches)) {
		end = uint64(len(m.matches)) - 1
	}
	out := make([]uint64, 0, end-rng.Start+1)
	for i := rng.Start; i <= end; i++ {
		out = append(out, m.matches[i].Index)
	}
	return out
}

// NearestTo finds the first match at or after the given stream position,
// falling back to the last match before it. Returns nil when no matches
// exist.
func (m *SearchMap) NearestTo(pos uint64) *model.NearestPosition {
	if len(m.matches) == 0 {
		return nil
	}
	i := sort.Search(len(m.matches), func(i int) bool { return m.matches[i].Index >= pos })
	if i == len(m.matches) {
		i = len(m.matches) - 1
	}
	return &model.NearestPosition{Index: uint64(i), Position: m.matches[i].Index}
}

// NextNested finds the first match of one specific filter at or after the
// given stream position.
func (m *SearchMap) NextNested(filter uint8, from uint64) *model.NearestPosition {
	start := sort.Search(len(m.matches), func(i int) bool { return m.matches[i].Index >= from })
	for i := start; i < len(m.matches); i++ {
		for _, f := range m.matches[i].Filters {
			if f == filter {
				return &model.NearestPosition{Index: uint64(i), Position: m.matches[i].Index}
			}
		}
	}
	return nil
}

// Scaled folds the match list into datasetLen slots of per-filter counts.
// With rng set only matches inside the range contribute and the slots
// cover the range instead of the whole stream. When the dataset is wider
// than the covered rows, slots map rows one to one and carry at most one
// match each.
func (m *SearchMap) Scaled(datasetLen uint16, rng *model.Range) [][]FilterCount {
	out := [][]FilterCount{}
	if datasetLen == 0 {
		return out
	}
	cursor := 0
	if rng == nil {
		if m.streamLen == 0 || len(m.matches) == 0 {
			return out
		}
		rate := float64(m.streamLen) / float64(datasetLen)
		if rate <= 1 {
			for n := uint64(1); n <= m.streamLen; n++ {
				if cursor < len(m.matches) && m.matches[cursor].Index == n {
					out = append(out, matchCounts(m.matches[cursor]))
					cursor++
				} else {
					out = append(out, []FilterCount{})
				}
			}
			return out
		}
		for n := uint64(1); n <= uint64(datasetLen); n++ {
			last := uint64(rate * float64(n))
			seg := map[uint8]uint16{}
			for cursor < len(m.matches) && m.matches[cursor].Index <= last {
				for _, f := range m.matches[cursor].Filters {
					seg[f]++
				}
				cursor++
			}
			out = append(out, sortedCounts(seg))
		}
		return out
	}
	from, to := rng.Start, rng.End
	if to < from {
		return out
	}
	rate := float64(to-from) / float64(datasetLen)
	if rate <= 1 {
		for cursor < len(m.matches) && m.matches[cursor].Index < from {
			cursor++
		}
		for n := uint64(0); n <= to-from; n++ {
			if cursor < len(m.matches) && m.matches[cursor].Index == from+n {
				out = append(out, matchCounts(m.matches[cursor]))
				cursor++
			} else {
				out = append(out, []FilterCount{})
			}
		}
		return out
	}
	for n := uint64(1); n <= uint64(datasetLen); n++ {
		first := uint64(rate*float64(n-1)) + from
		last := uint64(rate*float64(n)) + from
		for cursor < len(m.matches) && m.matches[cursor].Index < first {
			cursor++
		}
		seg := map[uint8]uint16{}
		for cursor < len(m.matches) && m.matches[cursor].Index <= last {
			for _, f := range m.matches[cursor].Filters {
				seg[f]++
			}
			cursor++
		}
		out = append(out, sortedCounts(seg))
	}
	return out
}

func matchCounts(m model.FilterMatch) []FilterCount {
	seg := map[uint8]uint16{}
	for _, f := range m.Filters {
		seg[f]++
	}
	return sortedCounts(seg)
}

func sortedCounts(seg map[uint8]uint16) []FilterCount {
	out := make([]FilterCount, 0, len(seg))
	for f, c := range seg {
		out = append(out, FilterCount{Filter: f, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filter < out[j].Filter })
	return out
}
