package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/vlaube/sessiond/internal/api"
	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/session"
)

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	sess, err := s.registry.Create(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, cerror.CodeSessionCreatingFail, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, api.CreateSessionResponse{Session: sess.ID()})
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		s.writeError(w, http.StatusNotFound, cerror.CodeInvalidArgs, "session id is required")
		return
	}
	if sub == "" {
		if r.Method != http.MethodDelete {
			s.methodNotAllowed(w, http.MethodDelete)
			return
		}
		if err := s.registry.Destroy(id); err != nil {
			s.writeNativeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sess, err := s.registry.Get(id)
	if err != nil {
		s.writeNativeError(w, err)
		return
	}

	switch sub {
	case "events":
		s.eventsHandler(w, r, sess)
	case "observe":
		s.observeHandler(w, r, sess)
	case "observe/abort":
		s.abortHandler(w, r, sess)
	case "observe/sde":
		s.sdeHandler(w, r, sess)
	case "len":
		s.lenHandler(w, r, sess)
	case "chunk":
		s.chunkHandler(w, r, sess)
	case "sources":
		s.sourcesHandler(w, r, sess)
	case "attachments":
		s.attachmentsHandler(w, r, sess)
	case "operations":
		s.operationsHandler(w, r, sess)
	case "indexed":
		s.indexedHandler(w, r, sess)
	case "indexed/len":
		s.indexedLenHandler(w, r, sess)
	case "indexed/around":
		s.indexedAroundHandler(w, r, sess)
	case "indexed/ranges":
		s.indexedRangesHandler(w, r, sess)
	case "indexed/mode":
		s.indexingModeHandler(w, r, sess)
	case "indexed/expand":
		s.expandHandler(w, r, sess)
	case "bookmarks":
		s.bookmarksHandler(w, r, sess)
	case "search":
		s.searchHandler(w, r, sess)
	case "search/map":
		s.searchMapHandler(w, r, sess)
	case "search/chunk":
		s.searchChunkHandler(w, r, sess)
	case "search/nearest":
		s.nearestHandler(w, r, sess)
	case "search/nested":
		s.nextNestedHandler(w, r, sess)
	case "values":
		s.valuesHandler(w, r, sess)
	case "values/frame":
		s.valuesFrameHandler(w, r, sess)
	case "export":
		s.exportHandler(w, r, sess)
	default:
		s.writeError(w, http.StatusNotFound, cerror.CodeInvalidArgs, "session route not found")
	}
}

func (s *Server) observeHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ObserveRequest
	if !s.decode(w, r, &req) {
		return
	}
	op, err := sess.Observe(req.Options)
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.ObserveResponse{Operation: op})
}

func (s *Server) abortHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.AbortRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.AbortOperation(req.Operation); err != nil {
		s.writeNativeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sdeHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.SdeRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := sess.Sde(r.Context(), req.Operation, req.Request)
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SdeResponse{Response: resp})
}

func (s *Server) lenHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	n, err := sess.Len()
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.LenResponse{Len: n})
}

func (s *Server) chunkHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	rng, ok := s.queryRange(w, r)
	if !ok {
		return
	}
	rows, err := sess.Grab(rng)
	if err != nil {
		s.writeOpError(w, cerror.KindGrabber, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RowsResponse{Rows: rows})
}

func (s *Server) sourcesHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SourcesResponse{Sources: sess.Sources()})
}

func (s *Server) attachmentsHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	atts, err := sess.Attachments()
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AttachmentsResponse{Attachments: atts})
}

func (s *Server) operationsHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ops, err := sess.Operations(r.Context())
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.OperationsResponse{Operations: ops})
}

func (s *Server) indexedHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	rng, ok := s.queryRange(w, r)
	if !ok {
		return
	}
	rows, err := sess.GrabIndexed(rng)
	if err != nil {
		s.writeOpError(w, cerror.KindGrabber, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RowsResponse{Rows: rows})
}

func (s *Server) indexedLenHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	n, err := sess.IndexedLen()
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.LenResponse{Len: n})
}

func (s *Server) indexedAroundHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	row, ok := s.queryUint(w, r, "row")
	if !ok {
		return
	}
	before, after, err := sess.IndexesAround(row)
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AroundResponse{Before: before, After: after})
}

func (s *Server) indexedRangesHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ranges, err := sess.IndexesAsRanges()
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RangesResponse{Ranges: ranges})
}

func (s *Server) indexingModeHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.IndexingModeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.SetIndexingMode(req.Breadcrumbs); err != nil {
		s.writeNativeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) expandHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ExpandRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := sess.Expand(req.Separator, req.Offset, req.Above); err != nil {
		s.writeOpError(w, cerror.KindGrabber, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) bookmarksHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodPost:
		var req api.BookmarkRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := sess.AddBookmark(req.Row); err != nil {
			s.writeOpError(w, cerror.KindGrabber, err)
			return
		}
	case http.MethodPut:
		var req api.BookmarksRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := sess.SetBookmarks(req.Rows); err != nil {
			s.writeOpError(w, cerror.KindGrabber, err)
			return
		}
	case http.MethodDelete:
		var req api.BookmarkRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := sess.RemoveBookmark(req.Row); err != nil {
			s.writeOpError(w, cerror.KindGrabber, err)
			return
		}
	default:
		s.methodNotAllowed(w, http.MethodPost, http.MethodPut, http.MethodDelete)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodPost:
		var req api.SearchRequest
		if !s.decode(w, r, &req) {
			return
		}
		found, canceled, err := sess.Search(req.Filters)
		if err != nil {
			s.writeOpError(w, cerror.KindOperationSearch, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.SearchResponse{Found: found, Canceled: canceled})
	case http.MethodDelete:
		if err := sess.DropSearch(); err != nil {
			s.writeNativeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodPost, http.MethodDelete)
	}
}

func (s *Server) searchMapHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	width, ok := s.queryUint(w, r, "len")
	if !ok {
		return
	}
	rng, ok := s.optionalRange(w, r)
	if !ok {
		return
	}
	m, err := sess.SearchMap(uint16(width), rng)
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SearchMapResponse{Map: m})
}

func (s *Server) searchChunkHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	rng, ok := s.queryRange(w, r)
	if !ok {
		return
	}
	rows, err := sess.SearchChunk(rng)
	if err != nil {
		s.writeOpError(w, cerror.KindGrabber, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RowsResponse{Rows: rows})
}

func (s *Server) nearestHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	row, ok := s.queryUint(w, r, "row")
	if !ok {
		return
	}
	found, err := sess.Nearest(row)
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NearestResponse{Found: found})
}

func (s *Server) nextNestedHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	filter, ok := s.queryUint(w, r, "filter")
	if !ok {
		return
	}
	if filter > math.MaxUint8 {
		s.writeError(w, http.StatusBadRequest, cerror.CodeInvalidArgs, "filter index out of range")
		return
	}
	from, ok := s.queryUint(w, r, "from")
	if !ok {
		return
	}
	found, err := sess.NextNested(uint8(filter), from)
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NearestResponse{Found: found})
}

func (s *Server) valuesHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodPost:
		var req api.ValuesRequest
		if !s.decode(w, r, &req) {
			return
		}
		ranges, canceled, err := sess.ExtractValues(req.Filters)
		if err != nil {
			s.writeOpError(w, cerror.KindOperationSearch, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.ValuesResponse{Ranges: ranges, Canceled: canceled})
	case http.MethodDelete:
		if err := sess.DropValues(); err != nil {
			s.writeNativeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodPost, http.MethodDelete)
	}
}

func (s *Server) valuesFrameHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	width, ok := s.queryUint(w, r, "width")
	if !ok {
		return
	}
	rng, ok := s.optionalRange(w, r)
	if !ok {
		return
	}
	values, err := sess.ValuesFrame(uint16(width), rng)
	if err != nil {
		s.writeNativeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ValuesFrameResponse{Values: values})
}

// exportHandler reports export failures in-band so a partial write does
// not look like a transport fault to the client.
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ExportRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Dest == "" {
		s.writeError(w, http.StatusBadRequest, cerror.CodeDestinationPath, "dest is required")
		return
	}
	var err error
	if req.Raw {
		err = sess.ExportRaw(req.Dest, req.Ranges)
	} else {
		err = sess.Export(req.Dest, req.Ranges)
	}
	if err != nil {
		ne := cerror.Wrap(cerror.KindIo, err)
		s.writeJSON(w, http.StatusOK, api.ExportResponse{
			Complete: false,
			Error:    &api.Error{Code: cerror.CodeIoOperation, Kind: ne.Kind, Severity: ne.Severity, Message: ne.Message},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, api.ExportResponse{Complete: true})
}

func (s *Server) queryUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, cerror.CodeInvalidArgs, name+" is required")
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, cerror.CodeInvalidArgs, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

func (s *Server) queryRange(w http.ResponseWriter, r *http.Request) (model.Range, bool) {
	from, ok := s.queryUint(w, r, "from")
	if !ok {
		return model.Range{}, false
	}
	to, ok := s.queryUint(w, r, "to")
	if !ok {
		return model.Range{}, false
	}
	if to < from {
		s.writeError(w, http.StatusBadRequest, cerror.CodeInvalidArgs, "to must not precede from")
		return model.Range{}, false
	}
	return model.Range{Start: from, End: to}, true
}

// optionalRange reads from/to when both are present; neither yields nil.
func (s *Server) optionalRange(w http.ResponseWriter, r *http.Request) (*model.Range, bool) {
	q := r.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" {
		return nil, true
	}
	rng, ok := s.queryRange(w, r)
	if !ok {
		return nil, false
	}
	return &rng, true
}
