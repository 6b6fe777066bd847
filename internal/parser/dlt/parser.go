package dlt

import (
	"fmt"
	"strings"
	"time"

	"github.com/vlaube/sessiond/internal/fibex"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
)

// Column and argument separators match the renderer contract of the client:
// columns split on \u0004, payload arguments on \u0005.
const (
	columnSep = "\u0004"
	argSep    = "\u0005"
)

// Record is one parsed DLT message. Raw holds the exact consumed bytes.
// Skipped records advance byte accounting without being indexed.
type Record struct {
	Content string
	Raw     []byte
	Skipped bool
}

// Parser converts a DLT byte stream into records, applying the configured
// log-level and id filters. Corrupt stretches are skipped with a warning
// and the parser resyncs on the next storage pattern.
type Parser struct {
	settings   observe.DltParserSettings
	meta       *fibex.Model
	tz         *time.Location
	appIDs     map[string]struct{}
	ecuIDs     map[string]struct{}
	contextIDs map[string]struct{}
}

func NewParser(settings observe.DltParserSettings, meta *fibex.Model) *Parser {
	tz := time.UTC
	if settings.TimezoneOffsetMin != nil {
		off := *settings.TimezoneOffsetMin
		tz = time.FixedZone(fmt.Sprintf("UTC%+d", off/60), off*60)
	}
	return &Parser{
		settings:   settings,
		meta:       meta,
		tz:         tz,
		appIDs:     toSet(settings.AppIDs),
		ecuIDs:     toSet(settings.EcuIDs),
		contextIDs: toSet(settings.ContextIDs),
	}
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func (p *Parser) Parse(data []byte, eof bool) ([]Record, int, []model.Notification, error) {
	var (
		records []Record
		notes   []model.Notification
	)
	consumed := 0
	for consumed < len(data) {
		frame, n, err := Decode(data[consumed:], p.settings.WithStorageHeader)
		switch {
		case err == nil:
			raw := append([]byte(nil), data[consumed:consumed+n]...)
			if p.passes(frame) {
				records = append(records, Record{Content: p.render(frame), Raw: raw})
			} else {
				records = append(records, Record{Raw: raw, Skipped: true})
			}
			consumed += n
		case err == ErrIncomplete:
			if !eof {
				return records, consumed, notes, nil
			}
			// Truncated trailing frame at end of input: drop it.
			notes = append(notes, model.Notification{
				Severity: model.SeverityWarning,
				Content:  fmt.Sprintf("dropped %d trailing bytes of an incomplete dlt frame", len(data)-consumed),
			})
			records = append(records, Record{Raw: append([]byte(nil), data[consumed:]...), Skipped: true})
			consumed = len(data)
		case err == ErrCorrupt:
			gap, done := p.resyncGap(data[consumed:], eof)
			if gap == 0 {
				// The pattern could still straddle the chunk boundary.
				return records, consumed, notes, nil
			}
			notes = append(notes, model.Notification{
				Severity: model.SeverityWarning,
				Content:  fmt.Sprintf("skipped %d undecodable bytes in dlt stream", gap),
			})
			records = append(records, Record{Raw: append([]byte(nil), data[consumed:consumed+gap]...), Skipped: true})
			consumed += gap
			if done {
				consumed = len(data)
			}
		default:
			return records, consumed, notes, err
		}
	}
	return records, consumed, notes, nil
}

// resyncGap returns how many bytes to discard before the next decode
// attempt. With storage headers the next pattern is searched; without them
// recovery is byte-wise.
func (p *Parser) resyncGap(data []byte, eof bool) (int, bool) {
	if !p.settings.WithStorageHeader {
		return 1, false
	}
	if idx := FindStoragePattern(data); idx > 0 {
		return idx, false
	}
	if eof {
		return len(data), true
	}
	// Keep the tail that could be a partial pattern.
	keep := len(storagePattern) - 1
	if len(data) <= keep {
		return 0, false
	}
	return len(data) - keep, false
}

func (p *Parser) passes(f *Frame) bool {
	if lvl, ok := f.LogLevelOf(); ok {
		min := LogLevel(p.settings.MinLogLevel)
		if min != 0 && lvl > min {
			return false
		}
	}
	if p.appIDs != nil {
		if _, ok := p.appIDs[f.AppID]; !ok {
			return false
		}
	}
	if p.contextIDs != nil {
		if _, ok := p.contextIDs[f.ContextID]; !ok {
			return false
		}
	}
	if p.ecuIDs != nil {
		ecu := f.EcuID
		if ecu == "" && f.Storage != nil {
			ecu = f.Storage.EcuID
		}
		if _, ok := p.ecuIDs[ecu]; !ok {
			return false
		}
	}
	return true
}

func (p *Parser) render(f *Frame) string {
	ecu := f.EcuID
	if ecu == "" && f.Storage != nil {
		ecu = f.Storage.EcuID
	}
	cols := []string{
		p.renderTime(f),
		fmt.Sprintf("%d", f.Timestamp),
		fmt.Sprintf("%d", f.Counter),
		ecu,
		f.AppID,
		f.ContextID,
		renderType(f),
		p.renderPayload(f),
	}
	return strings.Join(cols, columnSep)
}

func (p *Parser) renderTime(f *Frame) string {
	if f.Storage == nil {
		return ""
	}
	t := time.Unix(int64(f.Storage.Seconds), int64(f.Storage.Micros)*1000).In(p.tz)
	return t.Format("2006-01-02 15:04:05.000000")
}

func renderType(f *Frame) string {
	if lvl, ok := f.LogLevelOf(); ok {
		return lvl.String()
	}
	if !f.HasExt {
		return "NON-VERBOSE"
	}
	switch f.MsgType {
	case 0b001:
		return "APP_TRACE"
	case 0b010:
		return "NW_TRACE"
	case 0b011:
		return "CONTROL"
	default:
		return fmt.Sprintf("TYPE(%d)", f.MsgType)
	}
}

func (p *Parser) renderPayload(f *Frame) string {
	if f.HasExt && f.Verbose {
		return strings.Join(f.decodeArguments(), argSep)
	}
	// Non-verbose payload: the first four bytes carry the message id.
	if len(f.Payload) < 4 {
		return fmt.Sprintf("%x", f.Payload)
	}
	id := f.byteOrder().Uint32(f.Payload[:4])
	rest := f.Payload[4:]
	if p.meta != nil {
		if info, ok := p.meta.FrameByID(id); ok {
			if len(rest) == 0 {
				return info.Name
			}
			return fmt.Sprintf("%s %x", info.Name, rest)
		}
	}
	return fmt.Sprintf("[%d] %x", id, rest)
}
