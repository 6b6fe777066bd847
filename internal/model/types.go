package model

import "strings"

// Nature is a bitmask describing why a row is part of the indexed view.
type Nature uint8

const (
	NatureSearch Nature = 1 << iota
	NatureBookmark
	NatureSelection
	NatureBreadcrumb
	NatureBreadcrumbSeparator
)

func (n Nature) Has(flag Nature) bool {
	return n&flag != 0
}

func (n Nature) With(flag Nature) Nature {
	return n | flag
}

func (n Nature) Without(flag Nature) Nature {
	return n &^ flag
}

// GrabbedElement is one row of the session stream as handed to clients.
type GrabbedElement struct {
	SourceID uint16 `json:"source_id"`
	Content  string `json:"content"`
	Pos      uint64 `json:"pos"`
	Nature   uint8  `json:"nature"`
}

// FilterMatch references a stream row and the filters that matched it.
type FilterMatch struct {
	Index   uint64  `json:"index"`
	Filters []uint8 `json:"filters"`
}

// NearestPosition locates a search match both in search space and stream space.
type NearestPosition struct {
	Index    uint64 `json:"index"`    // position in search results
	Position uint64 `json:"position"` // position in the stream
}

// Range is an inclusive row range.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r Range) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// SearchFilter is one filter expression of a search request.
type SearchFilter struct {
	Value      string `json:"value"`
	IsRegex    bool   `json:"is_regex"`
	IgnoreCase bool   `json:"ignore_case"`
	IsWord     bool   `json:"is_word"`
}

// SearchStat counts matches per filter index.
type SearchStat map[uint8]uint64

// ValueRange is the min/max of extracted numeric values for one filter.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CandlePoint is one decimated chart point.
type CandlePoint struct {
	Row     uint64  `json:"row"`
	MinYVal float64 `json:"min_y"`
	MaxYVal float64 `json:"max_y"`
	YVal    float64 `json:"y"`
}

// Attachment describes one file embedded in a DLT trace via file-transfer frames.
// Messages holds the indexes of the carrying frames counted over every decoded
// frame of the trace; they address the trace, not the session's visible rows,
// and do not shift when DLT filters hide messages from the stream.
type Attachment struct {
	UUID     string   `json:"uuid"`
	Filepath string   `json:"filepath"`
	Name     string   `json:"name"`
	Ext      string   `json:"ext"`
	Size     uint64   `json:"size"`
	Mime     string   `json:"mime,omitempty"`
	Messages []uint64 `json:"messages"`
}

// SdeRequest is a write-back request for bidirectional sources. Exactly one
// of the fields is set.
type SdeRequest struct {
	WriteText  string `json:"write_text,omitempty"`
	WriteBytes []byte `json:"write_bytes,omitempty"`
}

func (r SdeRequest) Payload() []byte {
	if len(r.WriteBytes) > 0 {
		return r.WriteBytes
	}
	return []byte(r.WriteText)
}

// SdeResponse reports how many bytes the source accepted.
type SdeResponse struct {
	Bytes int `json:"bytes"`
}

// Ticks is the progress payload of a running operation.
type Ticks struct {
	Count uint64  `json:"count"`
	State string  `json:"state,omitempty"`
	Total *uint64 `json:"total,omitempty"`
}

// Severity grades notifications and native errors.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Notification carries a recoverable parser/ingest diagnostic.
type Notification struct {
	Severity Severity `json:"severity"`
	Content  string   `json:"content"`
	Line     *uint64  `json:"line,omitempty"`
}

// SourceDefinition identifies one ingested origin within a session.
type SourceDefinition struct {
	ID    uint16 `json:"id"`
	Alias string `json:"alias"`
}

// OperationState is the lifecycle state of one tracked job.
type OperationState string

const (
	OperationCreated OperationState = "created"
	OperationStarted OperationState = "started"
	OperationStopped OperationState = "stopped"
	OperationErrored OperationState = "errored"
)

// MimeByExt resolves a best-effort mime type for attachment metadata.
func MimeByExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "txt", "log":
		return "text/plain"
	case "xml":
		return "application/xml"
	case "json":
		return "application/json"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "zip":
		return "application/zip"
	default:
		return ""
	}
}
