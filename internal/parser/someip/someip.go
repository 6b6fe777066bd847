// Package someip decodes SOME/IP messages from a byte stream. Messages are
// expected back to back, as produced by the pcap demultiplexer or a raw
// capture of a SOME/IP transport.
package someip

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/vlaube/sessiond/internal/fibex"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
)

const (
	headerLen = 16
	columnSep = "\u0004"
)

// Message type values per the SOME/IP wire format. 0x20 marks a TP segment.
const (
	typeRequest         = 0x00
	typeRequestNoReturn = 0x01
	typeNotification    = 0x02
	typeResponse        = 0x80
	typeError           = 0x81
	tpFlag              = 0x20
)

// Header is the fixed 16 byte SOME/IP message header.
type Header struct {
	ServiceID        uint16
	MethodID         uint16
	Length           uint32 // bytes after the length field
	ClientID         uint16
	SessionID        uint16
	ProtocolVersion  uint8
	InterfaceVersion uint8
	MessageType      uint8
	ReturnCode       uint8
}

// Record is one parsed SOME/IP message. Raw holds the exact consumed bytes.
type Record struct {
	Content string
	Raw     []byte
	Skipped bool
}

// Parser decodes the stream message by message, resolving service and
// method names through fibex metadata when available.
type Parser struct {
	settings observe.SomeIpParserSettings
	meta     *fibex.Model
}

func NewParser(settings observe.SomeIpParserSettings, meta *fibex.Model) *Parser {
	return &Parser{settings: settings, meta: meta}
}

func (p *Parser) Parse(data []byte, eof bool) ([]Record, int, []model.Notification, error) {
	var (
		records []Record
		notes   []model.Notification
	)
	consumed := 0
	for len(data)-consumed >= headerLen {
		header := decodeHeader(data[consumed:])
		total := 8 + int(header.Length)
		if header.Length < 8 {
			// Length must at least cover request id, versions, type and
			// return code. Skip one byte and retry.
			records = append(records, Record{Raw: append([]byte(nil), data[consumed]), Skipped: true})
			notes = appendGapNote(notes)
			consumed++
			continue
		}
		if len(data)-consumed < total {
			break
		}
		raw := append([]byte(nil), data[consumed:consumed+total]...)
		records = append(records, Record{Content: p.render(header, raw[headerLen:]), Raw: raw})
		consumed += total
	}
	if eof && consumed < len(data) {
		notes = append(notes, model.Notification{
			Severity: model.SeverityWarning,
			Content:  fmt.Sprintf("dropped %d trailing bytes of an incomplete someip message", len(data)-consumed),
		})
		records = append(records, Record{Raw: append([]byte(nil), data[consumed:]...), Skipped: true})
		consumed = len(data)
	}
	return records, consumed, notes, nil
}

// appendGapNote collapses consecutive skip notes into one running counter.
func appendGapNote(notes []model.Notification) []model.Notification {
	if n := len(notes); n > 0 && strings.HasPrefix(notes[n-1].Content, "skipped") {
		return notes
	}
	return append(notes, model.Notification{
		Severity: model.SeverityWarning,
		Content:  "skipped undecodable bytes in someip stream",
	})
}

func decodeHeader(data []byte) Header {
	return Header{
		ServiceID:        binary.BigEndian.Uint16(data[0:2]),
		MethodID:         binary.BigEndian.Uint16(data[2:4]),
		Length:           binary.BigEndian.Uint32(data[4:8]),
		ClientID:         binary.BigEndian.Uint16(data[8:10]),
		SessionID:        binary.BigEndian.Uint16(data[10:12]),
		ProtocolVersion:  data[12],
		InterfaceVersion: data[13],
		MessageType:      data[14],
		ReturnCode:       data[15],
	}
}

func (p *Parser) render(h Header, payload []byte) string {
	service := fmt.Sprintf("0x%04x", h.ServiceID)
	method := fmt.Sprintf("0x%04x", h.MethodID)
	if p.meta != nil {
		if svc, ok := p.meta.ServiceByID(h.ServiceID); ok {
			service = svc.Name
			if name, ok := svc.Methods[h.MethodID]; ok {
				method = name
			}
		}
	}
	cols := []string{
		messageTypeName(h.MessageType),
		service,
		method,
		fmt.Sprintf("client:0x%04x session:0x%04x", h.ClientID, h.SessionID),
		fmt.Sprintf("v%d/i%d", h.ProtocolVersion, h.InterfaceVersion),
		returnCodeName(h.ReturnCode),
		fmt.Sprintf("%x", payload),
	}
	return strings.Join(cols, columnSep)
}

func messageTypeName(t uint8) string {
	base := t &^ tpFlag
	name := ""
	switch base {
	case typeRequest:
		name = "REQUEST"
	case typeRequestNoReturn:
		name = "REQUEST_NO_RETURN"
	case typeNotification:
		name = "NOTIFICATION"
	case typeResponse:
		name = "RESPONSE"
	case typeError:
		name = "ERROR"
	default:
		name = fmt.Sprintf("TYPE(0x%02x)", t)
	}
	if t&tpFlag != 0 {
		name += "|TP"
	}
	return name
}

func returnCodeName(c uint8) string {
	switch c {
	case 0x00:
		return "OK"
	case 0x01:
		return "NOT_OK"
	case 0x02:
		return "UNKNOWN_SERVICE"
	case 0x03:
		return "UNKNOWN_METHOD"
	case 0x04:
		return "NOT_READY"
	case 0x05:
		return "NOT_REACHABLE"
	case 0x06:
		return "TIMEOUT"
	case 0x07:
		return "WRONG_PROTOCOL_VERSION"
	case 0x08:
		return "WRONG_INTERFACE_VERSION"
	case 0x09:
		return "MALFORMED_MESSAGE"
	case 0x0a:
		return "WRONG_MESSAGE_TYPE"
	default:
		return fmt.Sprintf("RET(0x%02x)", c)
	}
}
