package search

import (
	"context"
	"sync"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/model"
)

// Source is the slice of the stream the engine scans: the processed
// content file plus the watermark marking how much of it is visible.
type Source interface {
	ContentPath() string
	Watermark() (rows, bytes uint64)
}

// Engine runs incremental filter and value scans over a session stream.
// Setting new filters resets the watermark; subsequent scans only touch
// rows appended since the previous pass. Safe for concurrent use.
type Engine struct {
	src Source

	mu       sync.Mutex
	filters  *Filters
	scanner  *Scanner
	smap     *SearchMap
	stat     model.SearchStat
	values   *ValueFilters
	vscanner *Scanner
	samples  *Values
}

func NewEngine(src Source) *Engine {
	return &Engine{
		src:     src,
		smap:    NewSearchMap(),
		stat:    model.SearchStat{},
		samples: NewValues(),
	}
}

// SetFilters installs a new filter set and clears previous results.
// Invalid filters degrade to warnings; an error is returned only when no
// usable filter remains.
func (e *Engine) SetFilters(defs []model.SearchFilter) ([]model.Notification, error) {
	compiled, notes := CompileFilters(defs)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(defs) > 0 && compiled.Empty() {
		return notes, cerror.New(cerror.KindOperationSearch, "no valid filter in the requested set")
	}
	e.filters = compiled
	e.scanner = NewScanner(e.src.ContentPath())
	e.smap.Drop()
	e.stat = model.SearchStat{}
	return notes, nil
}

// DropFilters removes the filter set and all results.
func (e *Engine) DropFilters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters = nil
	e.scanner = nil
	e.smap.Drop()
	e.stat = model.SearchStat{}
}

// Scan runs one incremental pass and returns the matches it added. A
// canceled pass returns cerror.ErrCancelled with the watermark and the
// map untouched. With no filters installed the pass is a no-op.
func (e *Engine) Scan(ctx context.Context) ([]model.FilterMatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.filters == nil || e.filters.Empty() || e.scanner == nil {
		return nil, nil
	}
	rows, bytes := e.src.Watermark()
	var added []model.FilterMatch
	err := e.scanner.Scan(ctx, rows, bytes, func(row uint64, line string) {
		if hits := e.filters.Match(line); hits != nil {
			added = append(added, model.FilterMatch{Index: row, Filters: hits})
		}
	})
	if err != nil {
		return nil, err
	}
	e.smap.SetStreamLen(rows)
	e.smap.Append(added)
	for _, m := range added {
		for _, f := range m.Filters {
			e.stat[f]++
		}
	}
	return added, nil
}

// Found reports the current number of matches.
func (e *Engine) Found() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smap.Len()
}

// Scaled returns the decimated match density map. Lookups lock against
// in-flight scans, so they are safe while ingestion appends matches.
func (e *Engine) Scaled(datasetLen uint16, rng *model.Range) [][]FilterCount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smap.Scaled(datasetLen, rng)
}

// Positions resolves a range of search rows to stream positions.
func (e *Engine) Positions(rng model.Range) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smap.Positions(rng)
}

// NearestTo locates the match at or after the stream position.
func (e *Engine) NearestTo(pos uint64) *model.NearestPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smap.NearestTo(pos)
}

// NextNested locates the next match of one filter at or after a stream
// position.
func (e *Engine) NextNested(filter uint8, from uint64) *model.NearestPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smap.NextNested(filter, from)
}

// Stat returns a copy of the per-filter match counts.
func (e *Engine) Stat() model.SearchStat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(model.SearchStat, len(e.stat))
	for f, c := range e.stat {
		out[f] = c
	}
	return out
}

// SetValueFilters installs value-extraction expressions and clears the
// collected samples.
func (e *Engine) SetValueFilters(patterns []string) ([]model.Notification, error) {
	compiled, notes := CompileValueFilters(patterns)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(patterns) > 0 && compiled.Empty() {
		return notes, cerror.New(cerror.KindOperationSearch, "no valid value filter in the requested set")
	}
	e.values = compiled
	e.vscanner = NewScanner(e.src.ContentPath())
	e.samples = NewValues()
	return notes, nil
}

// DropValueFilters removes value filters and collected samples.
func (e *Engine) DropValueFilters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values = nil
	e.vscanner = nil
	e.samples = NewValues()
}

// ScanValues runs one incremental value-extraction pass.
func (e *Engine) ScanValues(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.values == nil || e.values.Empty() || e.vscanner == nil {
		return nil
	}
	rows, bytes := e.src.Watermark()
	collected := map[uint8][]ValuePoint{}
	err := e.vscanner.Scan(ctx, rows, bytes, func(row uint64, line string) {
		for f, p := range e.values.Extract(row, line) {
			collected[f] = append(collected[f], p)
		}
	})
	if err != nil {
		return err
	}
	for f, pts := range collected {
		e.samples.Append(f, pts)
	}
	return nil
}

// ValueRanges reports min/max per value filter.
func (e *Engine) ValueRanges() map[uint8]model.ValueRange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples.Ranges()
}

// Candled returns the decimated chart points per value filter.
func (e *Engine) Candled(width uint16, frame *model.Range) map[uint8][]model.CandlePoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples.Candled(width, frame)
}
