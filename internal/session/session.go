// Package session orchestrates one observation session: sources feed
// parsers, parsed records land in the append-only stream store, and
// search, values, bookmark and breadcrumb state grow on top of it. Every
// long operation is a tracked cancelable job; all state changes surface
// on one ordered event stream per session.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/dltft"
	"github.com/vlaube/sessiond/internal/fibex"
	"github.com/vlaube/sessiond/internal/metric"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
	"github.com/vlaube/sessiond/internal/parser"
	"github.com/vlaube/sessiond/internal/search"
	"github.com/vlaube/sessiond/internal/source"
	"github.com/vlaube/sessiond/internal/stream"
	"github.com/vlaube/sessiond/internal/workspace"
)

// searchMapWidth is the decimation width of pushed SearchMapUpdated maps;
// clients needing other widths request them explicitly.
const searchMapWidth = 1024

type Session struct {
	id      string
	dir     string
	log     *slog.Logger
	metrics *metric.Metrics
	ws      *workspace.Store
	fibex   *fibex.Cache
	dltft   *dltft.Extractor

	ctx    context.Context
	cancel context.CancelFunc

	events *broadcaster
	jobs   *tracker

	mu          sync.Mutex
	destroyed   bool
	store       *stream.Store
	index       *stream.IndexController
	engine      *search.Engine
	sources     []model.SourceDefinition
	writables   map[string]source.Writable
	searchOp    string
	valuesOp    string
	attachments []model.Attachment
}

func newSession(id, dir string, ws *workspace.Store, cache *fibex.Cache, extractor *dltft.Extractor, metrics *metric.Metrics, log *slog.Logger) (*Session, error) {
	store, err := stream.NewStore(dir, id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		dir:       dir,
		log:       log.With("session", id),
		metrics:   metrics,
		ws:        ws,
		fibex:     cache,
		dltft:     extractor,
		ctx:       ctx,
		cancel:    cancel,
		events:    newBroadcaster(metrics.EventsDropped),
		jobs:      newTracker(),
		store:     store,
		index:     stream.NewIndexController(),
		writables: map[string]source.Writable{},
	}
	s.engine = search.NewEngine(store)
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Subscribe attaches to the session's ordered event stream.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

func (s *Session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return cerror.ErrSessionUnavailable
	}
	return nil
}

func (s *Session) emit(ev Event) {
	ev.Session = s.id
	s.events.Emit(ev)
}

func u64p(v uint64) *uint64 { p := v; return &p }

// observePart is one ordered byte stream of an observe operation with its
// registered source id.
type observePart struct {
	id    uint16
	alias string
	src   source.ByteSource
}

// Observe validates options, connects the origin and starts the ingest
// pipeline as a tracked job. Returns the operation id.
func (s *Session) Observe(opts observe.Options) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	if err := opts.Validate(); err != nil {
		return "", cerror.Wrap(cerror.KindConfiguration, err)
	}
	// fail on parser config before any connector opens a handle
	if _, err := parser.New(opts.Parser, s.fibex); err != nil {
		return "", cerror.Wrap(cerror.KindConfiguration, err)
	}

	opID, ctx, finish := s.jobs.start(s.ctx, "observe")
	s.journalCreate(opID, "observe")

	parts, err := source.Open(ctx, opts.Origin)
	if err != nil {
		s.journalError(opID, err)
		finish()
		return "", cerror.Wrap(cerror.KindIo, err)
	}

	wired := make([]observePart, 0, len(parts))
	s.mu.Lock()
	for _, part := range parts {
		id := uint16(len(s.sources))
		def := model.SourceDefinition{ID: id, Alias: part.Alias}
		s.sources = append(s.sources, def)
		if err := s.ws.AddSource(context.Background(), s.id, def); err != nil {
			s.log.Warn("persist source failed", "err", err)
		}
		src := part.Source
		if opts.Parser.Container != observe.ContainerNone {
			wrappedSrc, werr := source.WrapPcap(src, opts.Parser.Container)
			if werr != nil {
				err = werr
				break
			}
			src = wrappedSrc
		}
		if w, ok := src.(source.Writable); ok {
			if _, exists := s.writables[opID]; !exists {
				s.writables[opID] = w
			}
		}
		wired = append(wired, observePart{id: id, alias: part.Alias, src: src})
	}
	s.mu.Unlock()
	if err != nil {
		for _, p := range parts {
			_ = p.Source.Close()
		}
		s.journalError(opID, err)
		finish()
		return "", cerror.Wrap(cerror.KindConfiguration, err)
	}

	s.journalStart(opID)
	s.emit(Event{Kind: EventOperationStarted, Operation: opID})
	go s.runObserve(ctx, opID, wired, opts, finish)
	return opID, nil
}

func (s *Session) runObserve(ctx context.Context, opID string, parts []observePart, opts observe.Options, finish func()) {
	defer finish()
	defer func() {
		s.mu.Lock()
		delete(s.writables, opID)
		s.mu.Unlock()
	}()

	// blocking source reads only unblock on close, so cancellation closes
	// the sources instead of waiting for the next chunk
	var closeOnce sync.Once
	closeAll := func() {
		for i := range parts {
			_ = parts[i].src.Close()
		}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			closeOnce.Do(closeAll)
		case <-done:
		}
	}()

	s.emit(Event{Kind: EventOperationProcessing, Operation: opID})
	var failure error
	for i := range parts {
		if err := s.ingestPart(ctx, opID, parts[i], opts.Parser); err != nil {
			failure = err
			break
		}
	}
	close(done)
	closeOnce.Do(closeAll)

	switch {
	case ctx.Err() != nil:
		s.journalStop(opID)
		s.metrics.Operations.WithLabelValues("observe", "stopped").Inc()
		s.emit(Event{Kind: EventProgress, Operation: opID, Ticks: &model.Ticks{State: "stopped"}})
		s.emit(Event{Kind: EventOperationDone, Operation: opID})
	case failure != nil:
		s.journalError(opID, failure)
		s.metrics.Operations.WithLabelValues("observe", "errored").Inc()
		s.emit(Event{Kind: EventOperationError, Operation: opID, Error: cerror.Wrap(cerror.KindIo, failure)})
		s.emit(Event{Kind: EventOperationDone, Operation: opID})
	default:
		s.collectAttachments(ctx, opts)
		s.journalStop(opID)
		s.metrics.Operations.WithLabelValues("observe", "stopped").Inc()
		s.emit(Event{Kind: EventOperationDone, Operation: opID})
	}
}

func (s *Session) ingestPart(ctx context.Context, opID string, part observePart, cfg observe.ParserConfig) error {
	p, err := parser.New(cfg, s.fibex)
	if err != nil {
		return err
	}
	var carry []byte
	for {
		chunk, rerr := part.src.Read(ctx)
		eof := errors.Is(rerr, io.EOF)
		if rerr != nil && !eof {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rerr
		}
		if len(chunk) > 0 {
			carry = append(carry, chunk...)
		}
		items, consumed, notes, perr := p.Parse(carry, eof)
		if perr != nil {
			return perr
		}
		carry = append(carry[:0:0], carry[consumed:]...)
		for i := range notes {
			note := notes[i]
			s.emit(Event{Kind: EventProgress, Operation: opID, Notification: &note})
		}
		if len(items) > 0 {
			if err := s.appendItems(part.id, items); err != nil {
				return err
			}
		}
		if eof {
			if len(carry) > 0 {
				note := model.Notification{
					Severity: model.SeverityWarning,
					Content:  "dropping incomplete trailing bytes at end of source",
				}
				s.emit(Event{Kind: EventProgress, Operation: opID, Notification: &note})
			}
			return nil
		}
	}
}

func (s *Session) appendItems(srcID uint16, items []parser.Item) error {
	recs := make([]stream.Record, 0, len(items))
	var rawBytes int
	for _, it := range items {
		rawBytes += len(it.Raw)
		if it.Skipped {
			continue
		}
		recs = append(recs, stream.Record{Content: it.Content, Raw: it.Raw})
	}
	s.metrics.BytesIngested.Add(float64(rawBytes))
	if len(recs) == 0 {
		return nil
	}
	if _, err := s.store.Append(srcID, recs); err != nil {
		return err
	}
	s.metrics.RowsIndexed.Add(float64(len(recs)))
	s.afterAppend()
	return nil
}

// afterAppend publishes the new stream length and runs the incremental
// search and values passes over the appended rows.
func (s *Session) afterAppend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	rows := s.store.Len()
	if err := s.index.SetStreamLen(rows); err != nil {
		s.log.Warn("breadcrumb rebuild failed", "err", err)
	}
	s.emit(Event{Kind: EventStreamUpdated, Len: u64p(rows)})
	s.emit(Event{Kind: EventIndexedMapUpdated, Len: u64p(uint64(s.index.Len()))})

	// while a search is installing filters and running its initial scan
	// the appended rows stay with that operation's catch-up pass; scanning
	// here would hand the index controller rows the search then discards
	if s.searchOp == "" {
		added, err := s.engine.Scan(s.ctx)
		if err != nil && !errors.Is(err, cerror.ErrCancelled) {
			s.log.Warn("incremental search failed", "err", err)
		}
		if len(added) > 0 {
			if err := s.index.AppendSearchResults(added); err != nil {
				s.log.Warn("append search results failed", "err", err)
			}
			s.emit(Event{Kind: EventSearchUpdated, Found: u64p(s.engine.Found()), Stat: s.engine.Stat()})
			s.emit(Event{Kind: EventSearchMapUpdated, Map: s.engine.Scaled(searchMapWidth, nil)})
		}
	}
	if err := s.engine.ScanValues(s.ctx); err != nil {
		if !errors.Is(err, cerror.ErrCancelled) {
			s.log.Warn("incremental values failed", "err", err)
		}
		return
	}
	if ranges := s.engine.ValueRanges(); len(ranges) > 0 {
		s.emit(Event{Kind: EventSearchValuesUpdated, Ranges: ranges})
	}
}

// collectAttachments scans a finished DLT file ingest for embedded file
// transfers and extracts them under the session directory.
func (s *Session) collectAttachments(ctx context.Context, opts observe.Options) {
	if opts.Parser.Kind != observe.ParserDlt || opts.Origin.Kind != observe.OriginFile {
		return
	}
	outDir := filepath.Join(s.dir, s.id+".attachments")
	atts, err := s.dltft.ExtractAll(ctx, opts.Origin.Path, opts.Parser.Dlt.WithStorageHeader, outDir)
	if err != nil {
		if !errors.Is(err, cerror.ErrCancelled) {
			s.log.Warn("attachment extraction failed", "err", err)
		}
		return
	}
	if len(atts) == 0 {
		return
	}
	s.mu.Lock()
	s.attachments = append(s.attachments, atts...)
	total := uint64(len(s.attachments))
	s.mu.Unlock()
	for i := range atts {
		if err := s.ws.AddAttachment(context.Background(), s.id, atts[i]); err != nil {
			s.log.Warn("persist attachment failed", "err", err)
		}
		s.emit(Event{Kind: EventAttachmentsUpdated, Attachments: u64p(total), Attachment: &atts[i]})
	}
}

// AbortOperation cancels one running job and waits for it to stop.
func (s *Session) AbortOperation(opID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.jobs.cancel(opID)
}

// Sde writes data back to the source of a running observe operation.
func (s *Session) Sde(ctx context.Context, opID string, req model.SdeRequest) (model.SdeResponse, error) {
	if err := s.guard(); err != nil {
		return model.SdeResponse{}, err
	}
	s.mu.Lock()
	w, ok := s.writables[opID]
	s.mu.Unlock()
	if !ok {
		return model.SdeResponse{}, cerror.New(cerror.KindChannelError, "operation %s does not accept input", opID)
	}
	return w.Income(ctx, req)
}

// Sources lists the registered origins of the session.
func (s *Session) Sources() []model.SourceDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SourceDefinition, len(s.sources))
	copy(out, s.sources)
	return out
}

// Len reports the visible stream length.
func (s *Session) Len() (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.store.Len(), nil
}

// Grab pages through the stream, stamping natures onto the rows.
func (s *Session) Grab(rng model.Range) ([]model.GrabbedElement, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	elements, err := s.store.Grab(rng)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range elements {
		elements[i].Nature = uint8(s.index.NatureAt(elements[i].Pos))
	}
	s.mu.Unlock()
	return elements, nil
}

// GrabIndexed pages through the indexed view; from/to address key slots
// of the index map, not stream positions.
func (s *Session) GrabIndexed(rng model.Range) ([]model.GrabbedElement, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	frame, err := s.index.Frame(rng)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	elements := make([]model.GrabbedElement, 0, len(frame.Entries))
	for _, sub := range frame.Ranges() {
		rows, err := s.store.Grab(sub)
		if err != nil {
			return nil, err
		}
		elements = append(elements, rows...)
	}
	if err := frame.Naturalize(elements); err != nil {
		return nil, err
	}
	return elements, nil
}

func (s *Session) IndexedLen() (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.index.Len()), nil
}

func (s *Session) IndexesAround(pos uint64) (before, after *uint64, err error) {
	if err := s.guard(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.AroundIndexes(pos)
}

func (s *Session) IndexesAsRanges() ([]model.Range, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.AllRanges(), nil
}

// SetIndexingMode toggles breadcrumb padding of the indexed view.
func (s *Session) SetIndexingMode(breadcrumbs bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.mu.Lock()
	mode := stream.ModeNormal
	if breadcrumbs {
		mode = stream.ModeBreadcrumbs
	}
	err := s.index.SetMode(mode)
	indexed := uint64(s.index.Len())
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventIndexedMapUpdated, Len: u64p(indexed)})
	return nil
}

// Expand materializes hidden rows around a breadcrumb separator.
func (s *Session) Expand(separator, offset uint64, above bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.index.ExtendBreadcrumbs(separator, offset, above)
	indexed := uint64(s.index.Len())
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventIndexedMapUpdated, Len: u64p(indexed)})
	return nil
}

func (s *Session) AddBookmark(pos uint64) error {
	return s.mutateBookmarks(func() error {
		if err := s.ws.AddBookmark(context.Background(), s.id, pos); err != nil {
			s.log.Warn("persist bookmark failed", "err", err)
		}
		return s.index.AddBookmark(pos)
	})
}

func (s *Session) RemoveBookmark(pos uint64) error {
	return s.mutateBookmarks(func() error {
		if err := s.ws.RemoveBookmark(context.Background(), s.id, pos); err != nil {
			s.log.Warn("remove bookmark failed", "err", err)
		}
		return s.index.RemoveBookmark(pos)
	})
}

func (s *Session) SetBookmarks(positions []uint64) error {
	return s.mutateBookmarks(func() error {
		if err := s.ws.SetBookmarks(context.Background(), s.id, positions); err != nil {
			s.log.Warn("persist bookmarks failed", "err", err)
		}
		return s.index.SetBookmarks(positions)
	})
}

func (s *Session) mutateBookmarks(apply func() error) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.mu.Lock()
	err := apply()
	indexed := uint64(s.index.Len())
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventIndexedMapUpdated, Len: u64p(indexed)})
	return nil
}

// Search installs a filter set and scans the visible stream. A new search
// first cancels and awaits an in-flight one (cancel-then-start). A
// canceled scan reports canceled=true with zero found, not an error.
func (s *Session) Search(filters []model.SearchFilter) (found uint64, canceled bool, err error) {
	if err := s.guard(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	prev := s.searchOp
	s.mu.Unlock()
	if prev != "" {
		_ = s.jobs.cancel(prev)
	}

	opID, ctx, finish := s.jobs.start(s.ctx, "search")
	s.mu.Lock()
	s.searchOp = opID
	s.mu.Unlock()
	defer func() {
		finish()
		s.mu.Lock()
		if s.searchOp == opID {
			s.searchOp = ""
		}
		s.mu.Unlock()
	}()
	s.journalCreate(opID, "search")
	s.journalStart(opID)
	s.emit(Event{Kind: EventOperationStarted, Operation: opID})

	notes, err := s.engine.SetFilters(filters)
	for i := range notes {
		note := notes[i]
		s.emit(Event{Kind: EventProgress, Operation: opID, Notification: &note})
	}
	if err != nil {
		s.journalError(opID, err)
		s.metrics.Operations.WithLabelValues("search", "errored").Inc()
		s.emit(Event{Kind: EventOperationError, Operation: opID, Error: cerror.Wrap(cerror.KindOperationSearch, err)})
		return 0, false, err
	}
	s.mu.Lock()
	if derr := s.index.DropSearchResults(); derr != nil {
		s.log.Warn("drop search results failed", "err", derr)
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventOperationProcessing, Operation: opID})
	added, err := s.engine.Scan(ctx)
	if errors.Is(err, cerror.ErrCancelled) {
		s.journalStop(opID)
		s.metrics.Operations.WithLabelValues("search", "stopped").Inc()
		s.emit(Event{Kind: EventOperationDone, Operation: opID})
		return 0, true, nil
	}
	if err != nil {
		s.journalError(opID, err)
		s.metrics.Operations.WithLabelValues("search", "errored").Inc()
		s.emit(Event{Kind: EventOperationError, Operation: opID, Error: cerror.Wrap(cerror.KindOperationSearch, err)})
		return 0, false, err
	}

	// rows appended during the unlocked scan were skipped by afterAppend;
	// pick them up here so the controller and the match map agree
	s.mu.Lock()
	catchup, cerr := s.engine.Scan(ctx)
	if cerr == nil {
		added = append(added, catchup...)
		if serr := s.index.SetSearchResults(added); serr != nil {
			s.log.Warn("set search results failed", "err", serr)
		}
		// hand incremental scanning back to afterAppend before the lock
		// drops, or rows landing right after the catch-up stay unscanned
		if s.searchOp == opID {
			s.searchOp = ""
		}
	}
	s.mu.Unlock()
	if errors.Is(cerr, cerror.ErrCancelled) {
		s.journalStop(opID)
		s.metrics.Operations.WithLabelValues("search", "stopped").Inc()
		s.emit(Event{Kind: EventOperationDone, Operation: opID})
		return 0, true, nil
	}
	if cerr != nil {
		s.journalError(opID, cerr)
		s.metrics.Operations.WithLabelValues("search", "errored").Inc()
		s.emit(Event{Kind: EventOperationError, Operation: opID, Error: cerror.Wrap(cerror.KindOperationSearch, cerr)})
		return 0, false, cerr
	}
	found = s.engine.Found()
	s.emit(Event{Kind: EventSearchUpdated, Found: u64p(found), Stat: s.engine.Stat()})
	s.emit(Event{Kind: EventSearchMapUpdated, Map: s.engine.Scaled(searchMapWidth, nil)})
	s.journalStop(opID)
	s.metrics.Operations.WithLabelValues("search", "stopped").Inc()
	s.emit(Event{Kind: EventOperationDone, Operation: opID})
	return found, false, nil
}

// DropSearch cancels an in-flight search and clears the search layer.
func (s *Session) DropSearch() error {
	if err := s.guard(); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.searchOp
	s.mu.Unlock()
	if prev != "" {
		_ = s.jobs.cancel(prev)
	}
	s.engine.DropFilters()
	s.mu.Lock()
	err := s.index.DropSearchResults()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventSearchUpdated, Found: u64p(0), Stat: model.SearchStat{}})
	return nil
}

// SearchMap returns the decimated match density map.
func (s *Session) SearchMap(datasetLen uint16, rng *model.Range) ([][]search.FilterCount, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.engine.Scaled(datasetLen, rng), nil
}

// SearchChunk pages through matches by position in the search results.
func (s *Session) SearchChunk(rng model.Range) ([]model.GrabbedElement, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	positions := s.engine.Positions(rng)
	elements := make([]model.GrabbedElement, 0, len(positions))
	for _, pos := range positions {
		rows, err := s.store.Grab(model.Range{Start: pos, End: pos})
		if err != nil {
			return nil, err
		}
		elements = append(elements, rows...)
	}
	s.mu.Lock()
	for i := range elements {
		elements[i].Nature = uint8(s.index.NatureAt(elements[i].Pos))
	}
	s.mu.Unlock()
	return elements, nil
}

func (s *Session) Nearest(pos uint64) (*model.NearestPosition, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.engine.NearestTo(pos), nil
}

func (s *Session) NextNested(filter uint8, from uint64) (*model.NearestPosition, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.engine.NextNested(filter, from), nil
}

// ExtractValues installs value filters and scans the visible stream,
// cancel-then-start like Search.
func (s *Session) ExtractValues(patterns []string) (ranges map[uint8]model.ValueRange, canceled bool, err error) {
	if err := s.guard(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	prev := s.valuesOp
	s.mu.Unlock()
	if prev != "" {
		_ = s.jobs.cancel(prev)
	}

	opID, ctx, finish := s.jobs.start(s.ctx, "values")
	s.mu.Lock()
	s.valuesOp = opID
	s.mu.Unlock()
	defer func() {
		finish()
		s.mu.Lock()
		if s.valuesOp == opID {
			s.valuesOp = ""
		}
		s.mu.Unlock()
	}()
	s.journalCreate(opID, "values")
	s.journalStart(opID)
	s.emit(Event{Kind: EventOperationStarted, Operation: opID})

	notes, err := s.engine.SetValueFilters(patterns)
	for i := range notes {
		note := notes[i]
		s.emit(Event{Kind: EventProgress, Operation: opID, Notification: &note})
	}
	if err != nil {
		s.journalError(opID, err)
		s.metrics.Operations.WithLabelValues("values", "errored").Inc()
		s.emit(Event{Kind: EventOperationError, Operation: opID, Error: cerror.Wrap(cerror.KindOperationSearch, err)})
		return nil, false, err
	}

	s.emit(Event{Kind: EventOperationProcessing, Operation: opID})
	if err := s.engine.ScanValues(ctx); err != nil {
		if errors.Is(err, cerror.ErrCancelled) {
			s.journalStop(opID)
			s.metrics.Operations.WithLabelValues("values", "stopped").Inc()
			s.emit(Event{Kind: EventOperationDone, Operation: opID})
			return nil, true, nil
		}
		s.journalError(opID, err)
		s.metrics.Operations.WithLabelValues("values", "errored").Inc()
		s.emit(Event{Kind: EventOperationError, Operation: opID, Error: cerror.Wrap(cerror.KindOperationSearch, err)})
		return nil, false, err
	}

	ranges = s.engine.ValueRanges()
	s.emit(Event{Kind: EventSearchValuesUpdated, Ranges: ranges})
	s.journalStop(opID)
	s.metrics.Operations.WithLabelValues("values", "stopped").Inc()
	s.emit(Event{Kind: EventOperationDone, Operation: opID})
	return ranges, false, nil
}

// ValuesFrame returns decimated chart points for a row window.
func (s *Session) ValuesFrame(width uint16, rng *model.Range) (map[uint8][]model.CandlePoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.engine.Candled(width, rng), nil
}

// DropValues removes value filters and collected samples.
func (s *Session) DropValues() error {
	if err := s.guard(); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.valuesOp
	s.mu.Unlock()
	if prev != "" {
		_ = s.jobs.cancel(prev)
	}
	s.engine.DropValueFilters()
	return nil
}

// Export writes processed rows of the given ranges to dest.
func (s *Session) Export(dest string, ranges []model.Range) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.store.Export(dest, ranges)
}

// ExportRaw writes the exact consumed source bytes of the given ranges.
func (s *Session) ExportRaw(dest string, ranges []model.Range) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.store.ExportRaw(dest, ranges)
}

// Attachments lists the attachments extracted so far.
func (s *Session) Attachments() ([]model.Attachment, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Attachment, len(s.attachments))
	copy(out, s.attachments)
	return out, nil
}

// Operations returns the journaled operations of the session.
func (s *Session) Operations(ctx context.Context) ([]workspace.OperationRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.ws.ListOperations(ctx, s.id)
}

// Destroy cancels every job, closes all sources and releases the stream
// files. Safe to call with in-flight operations; later calls and any
// other method on the destroyed session return ErrSessionUnavailable.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return cerror.ErrSessionUnavailable
	}
	s.destroyed = true
	s.mu.Unlock()

	s.cancel()
	s.jobs.cancelAll()
	if err := s.store.Close(); err != nil {
		s.log.Warn("stream store close failed", "err", err)
	}
	if err := s.ws.DeleteSession(context.Background(), s.id); err != nil && !errors.Is(err, workspace.ErrNotFound) {
		s.log.Warn("workspace purge failed", "err", err)
	}
	s.emit(Event{Kind: EventSessionDestroyed})
	s.events.Close()
	s.metrics.ActiveSessions.Dec()
	s.log.Info("session destroyed")
	return nil
}

func (s *Session) journalCreate(opID, kind string) {
	if err := s.ws.RecordOperation(context.Background(), s.id, opID, kind); err != nil {
		s.log.Warn("journal operation failed", "op", opID, "err", err)
	}
}

func (s *Session) journalStart(opID string) {
	if err := s.ws.MarkOperationStarted(context.Background(), opID); err != nil {
		s.log.Warn("journal start failed", "op", opID, "err", err)
	}
}

func (s *Session) journalStop(opID string) {
	if err := s.ws.MarkOperationStopped(context.Background(), opID); err != nil {
		s.log.Warn("journal stop failed", "op", opID, "err", err)
	}
}

func (s *Session) journalError(opID string, cause error) {
	if err := s.ws.MarkOperationErrored(context.Background(), opID, cause.Error()); err != nil {
		s.log.Warn("journal error failed", "op", opID, "err", err)
	}
}
