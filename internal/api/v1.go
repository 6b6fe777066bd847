// Package api defines the JSON wire types of the daemon's v1 HTTP surface.
// Every response carries the schema version and a generation timestamp so
// clients can detect skew between daemon and tooling.
package api

import (
	"time"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
	"github.com/vlaube/sessiond/internal/search"
	"github.com/vlaube/sessiond/internal/workspace"
)

const SchemaVersion = "v1"

// Error is the wire shape of a failed request.
type Error struct {
	Code     string         `json:"code"`
	Kind     cerror.Kind    `json:"kind,omitempty"`
	Severity model.Severity `json:"severity,omitempty"`
	Message  string         `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         Error     `json:"error"`
}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

// CreateSessionResponse returns the id of a freshly created session.
type CreateSessionResponse struct {
	Session string `json:"session"`
}

// ObserveRequest starts an ingest operation on a session.
type ObserveRequest struct {
	Options observe.Options `json:"options"`
}

// ObserveResponse returns the operation id of the started ingest job.
type ObserveResponse struct {
	Operation string `json:"operation"`
}

// AbortRequest cancels one running operation.
type AbortRequest struct {
	Operation string `json:"operation"`
}

// SdeRequest writes data back into the source of a running observe
// operation.
type SdeRequest struct {
	Operation string           `json:"operation"`
	Request   model.SdeRequest `json:"request"`
}

type SdeResponse struct {
	Response model.SdeResponse `json:"response"`
}

// RowsResponse carries a page of stream or search rows.
type RowsResponse struct {
	Rows []model.GrabbedElement `json:"rows"`
}

type LenResponse struct {
	Len uint64 `json:"len"`
}

// AroundResponse locates the indexed-view neighbors of a stream position.
type AroundResponse struct {
	Before *uint64 `json:"before"`
	After  *uint64 `json:"after"`
}

type RangesResponse struct {
	Ranges []model.Range `json:"ranges"`
}

// IndexingModeRequest toggles breadcrumb padding of the indexed view.
type IndexingModeRequest struct {
	Breadcrumbs bool `json:"breadcrumbs"`
}

// ExpandRequest materializes hidden rows around a breadcrumb separator.
type ExpandRequest struct {
	Separator uint64 `json:"separator"`
	Offset    uint64 `json:"offset"`
	Above     bool   `json:"above"`
}

// BookmarkRequest adds or removes a single bookmark.
type BookmarkRequest struct {
	Row uint64 `json:"row"`
}

// BookmarksRequest replaces the whole bookmark set.
type BookmarksRequest struct {
	Rows []uint64 `json:"rows"`
}

// SearchRequest installs a filter set and scans the stream.
type SearchRequest struct {
	Filters []model.SearchFilter `json:"filters"`
}

// SearchResponse reports the outcome of a search pass. Canceled searches
// are a normal outcome, not an error.
type SearchResponse struct {
	Found    uint64 `json:"found"`
	Canceled bool   `json:"canceled"`
}

type SearchMapResponse struct {
	Map [][]search.FilterCount `json:"map"`
}

type NearestResponse struct {
	Found *model.NearestPosition `json:"found"`
}

// ValuesRequest installs value-extraction patterns and scans the stream.
type ValuesRequest struct {
	Filters []string `json:"filters"`
}

type ValuesResponse struct {
	Ranges   map[uint8]model.ValueRange `json:"ranges"`
	Canceled bool                       `json:"canceled"`
}

type ValuesFrameResponse struct {
	Values map[uint8][]model.CandlePoint `json:"values"`
}

// ExportRequest writes rows of the given ranges to a destination path on
// the daemon host. Raw selects the exact consumed source bytes instead of
// the processed text.
type ExportRequest struct {
	Dest   string        `json:"dest"`
	Ranges []model.Range `json:"ranges"`
	Raw    bool          `json:"raw,omitempty"`
}

// ExportResponse reports per-operation export failure in-band: Complete is
// false and Error set when the export could not finish.
type ExportResponse struct {
	Complete bool   `json:"complete"`
	Error    *Error `json:"error,omitempty"`
}

type SourcesResponse struct {
	Sources []model.SourceDefinition `json:"sources"`
}

type AttachmentsResponse struct {
	Attachments []model.Attachment `json:"attachments"`
}

type OperationsResponse struct {
	Operations []workspace.OperationRecord `json:"operations"`
}

// DltScanRequest inspects a DLT trace for embedded file transfers without
// a session.
type DltScanRequest struct {
	File              string `json:"file"`
	WithStorageHeader bool   `json:"with_storage_header"`
}

type DltScanResponse struct {
	Files []FileInfo `json:"files"`
}

// FileInfo describes one file transfer found inside a DLT trace.
type FileInfo struct {
	ID       uint64   `json:"id"`
	Name     string   `json:"name"`
	Size     uint64   `json:"size"`
	Created  string   `json:"created"`
	Packets  uint64   `json:"packets"`
	Messages []uint64 `json:"messages"`
	Complete bool     `json:"complete"`
}

// DltExtractRequest materializes selected file transfers of a DLT trace
// into an output directory. An empty ID list extracts every complete
// transfer.
type DltExtractRequest struct {
	File              string   `json:"file"`
	Output            string   `json:"output"`
	WithStorageHeader bool     `json:"with_storage_header"`
	IDs               []uint64 `json:"ids,omitempty"`
}

type DltExtractResponse struct {
	Attachments []model.Attachment `json:"attachments"`
}

type SerialPortsResponse struct {
	Ports []string `json:"ports"`
}

// FromNative maps a core error onto the wire shape.
func FromNative(code string, err *cerror.NativeError) Error {
	return Error{
		Code:     code,
		Kind:     err.Kind,
		Severity: err.Severity,
		Message:  err.Message,
	}
}
