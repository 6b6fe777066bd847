// Package dlt decodes AUTOSAR DLT frames: optional storage header, standard
// and extended headers, verbose payload arguments and non-verbose payloads
// (with optional fibex message-id resolution).
package dlt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrIncomplete signals that more bytes are needed for a full frame.
	ErrIncomplete = errors.New("incomplete dlt frame")
	// ErrCorrupt signals undecodable bytes at the current offset.
	ErrCorrupt = errors.New("corrupt dlt frame")
)

var storagePattern = []byte{'D', 'L', 'T', 0x01}

const (
	storageHeaderLen = 16
	headerMinLen     = 4
	extHeaderLen     = 10

	htypUseExtHeader   = 0x01
	htypBigEndian      = 0x02
	htypWithEcuID      = 0x04
	htypWithSessionID  = 0x08
	htypWithTimestamp  = 0x10

	msinVerbose = 0x01

	typeLog = 0b000

	typeInfoTyle  = 0x0000000F
	typeInfoBool  = 1 << 4
	typeInfoSint  = 1 << 5
	typeInfoUint  = 1 << 6
	typeInfoFloat = 1 << 7
	typeInfoArray = 1 << 8
	typeInfoStrg  = 1 << 9
	typeInfoRawd  = 1 << 10
	typeInfoVari  = 1 << 11
	typeInfoFixp  = 1 << 12
)

// LogLevel values follow DLT MTIN for log messages: lower is more severe.
type LogLevel uint8

const (
	LevelFatal   LogLevel = 1
	LevelError   LogLevel = 2
	LevelWarn    LogLevel = 3
	LevelInfo    LogLevel = 4
	LevelDebug   LogLevel = 5
	LevelVerbose LogLevel = 6
)

func (l LogLevel) String() string {
	switch l {
	case LevelFatal:
		return "FATAL"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelVerbose:
		return "VERBOSE"
	default:
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

// StorageHeader is the per-frame prefix of *.dlt capture files.
type StorageHeader struct {
	Seconds uint32
	Micros  uint32
	EcuID   string
}

// Frame is one decoded DLT message.
type Frame struct {
	Storage    *StorageHeader
	Counter    uint8
	BigEndian  bool
	EcuID      string
	SessionID  uint32
	Timestamp  uint32 // 0.1ms units since ecu start
	HasExt     bool
	Verbose    bool
	MsgType    uint8
	MsgTypeIn  uint8
	AppID      string
	ContextID  string
	NumArgs    uint8
	Payload    []byte
}

// LogLevelOf returns the log level for log-typed frames.
func (f *Frame) LogLevelOf() (LogLevel, bool) {
	if !f.HasExt || f.MsgType != typeLog {
		return 0, false
	}
	return LogLevel(f.MsgTypeIn), true
}

// Decode parses one frame from the start of data. It returns the frame and
// the number of bytes consumed. ErrIncomplete means data is a valid but
// truncated prefix; ErrCorrupt means the bytes at offset 0 cannot start a
// frame.
func Decode(data []byte, withStorage bool) (*Frame, int, error) {
	offset := 0
	frame := &Frame{}
	if withStorage {
		if len(data) < storageHeaderLen {
			if headerPrefixPlausible(data) {
				return nil, 0, ErrIncomplete
			}
			return nil, 0, ErrCorrupt
		}
		if !strings.HasPrefix(string(data[:4]), string(storagePattern)) {
			return nil, 0, ErrCorrupt
		}
		frame.Storage = &StorageHeader{
			Seconds: binary.LittleEndian.Uint32(data[4:8]),
			Micros:  binary.LittleEndian.Uint32(data[8:12]),
			EcuID:   trimID(data[12:16]),
		}
		offset = storageHeaderLen
	}
	if len(data)-offset < headerMinLen {
		return nil, 0, ErrIncomplete
	}
	htyp := data[offset]
	frame.BigEndian = htyp&htypBigEndian != 0
	frame.Counter = data[offset+1]
	msgLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))

	headerLen := headerMinLen
	if htyp&htypWithEcuID != 0 {
		headerLen += 4
	}
	if htyp&htypWithSessionID != 0 {
		headerLen += 4
	}
	if htyp&htypWithTimestamp != 0 {
		headerLen += 4
	}
	extLen := 0
	if htyp&htypUseExtHeader != 0 {
		extLen = extHeaderLen
	}
	if msgLen < headerLen+extLen {
		return nil, 0, ErrCorrupt
	}
	if len(data)-offset < msgLen {
		return nil, 0, ErrIncomplete
	}

	cursor := offset + headerMinLen
	if htyp&htypWithEcuID != 0 {
		frame.EcuID = trimID(data[cursor : cursor+4])
		cursor += 4
	}
	if htyp&htypWithSessionID != 0 {
		frame.SessionID = binary.BigEndian.Uint32(data[cursor : cursor+4])
		cursor += 4
	}
	if htyp&htypWithTimestamp != 0 {
		frame.Timestamp = binary.BigEndian.Uint32(data[cursor : cursor+4])
		cursor += 4
	}
	if extLen > 0 {
		frame.HasExt = true
		msin := data[cursor]
		frame.Verbose = msin&msinVerbose != 0
		frame.MsgType = (msin >> 1) & 0b111
		frame.MsgTypeIn = (msin >> 4) & 0b1111
		frame.NumArgs = data[cursor+1]
		frame.AppID = trimID(data[cursor+2 : cursor+6])
		frame.ContextID = trimID(data[cursor+6 : cursor+10])
		cursor += extHeaderLen
	}
	frame.Payload = data[cursor : offset+msgLen]
	return frame, offset + msgLen, nil
}

// headerPrefixPlausible reports whether data could be a truncated storage
// header start.
func headerPrefixPlausible(data []byte) bool {
	n := len(data)
	if n > 4 {
		n = 4
	}
	return strings.HasPrefix(string(storagePattern[:n]), string(data[:n])) || n == 0
}

// FindStoragePattern returns the offset of the next storage pattern at or
// after position 1, or -1 when absent. Used to resync after corrupt bytes.
func FindStoragePattern(data []byte) int {
	for i := 1; i+len(storagePattern) <= len(data); i++ {
		if data[i] == 'D' && data[i+1] == 'L' && data[i+2] == 'T' && data[i+3] == 0x01 {
			return i
		}
	}
	return -1
}

func trimID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00")
}

// Argument decoding for verbose payloads.

// ArgKind discriminates decoded verbose arguments.
type ArgKind uint8

const (
	ArgBool ArgKind = iota
	ArgInt
	ArgUint
	ArgFloat
	ArgString
	ArgRaw
)

// Arg is one decoded verbose payload argument.
type Arg struct {
	Kind  ArgKind
	Bool  bool
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Raw   []byte
}

// Text renders the argument for the indexed line content.
func (a Arg) Text() string {
	switch a.Kind {
	case ArgBool:
		if a.Bool {
			return "true"
		}
		return "false"
	case ArgInt:
		return fmt.Sprintf("%d", a.Int)
	case ArgUint:
		return fmt.Sprintf("%d", a.Uint)
	case ArgFloat:
		return fmt.Sprintf("%v", a.Float)
	case ArgString:
		return a.Str
	default:
		return fmt.Sprintf("%x", a.Raw)
	}
}

func (f *Frame) byteOrder() binary.ByteOrder {
	if f.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Args decodes the verbose payload arguments. leftover holds any payload
// bytes after the first malformed argument; decoding never fails the frame.
func (f *Frame) Args() (args []Arg, leftover []byte) {
	order := f.byteOrder()
	payload := f.Payload
	args = make([]Arg, 0, f.NumArgs)
	for i := 0; i < int(f.NumArgs); i++ {
		arg, rest, ok := decodeArgument(payload, order)
		if !ok {
			return args, payload
		}
		args = append(args, arg)
		payload = rest
	}
	return args, nil
}

// decodeArguments renders the verbose payload arguments as strings. A
// malformed remainder is rendered as hex instead of failing the frame.
func (f *Frame) decodeArguments() []string {
	args, leftover := f.Args()
	out := make([]string, 0, len(args)+1)
	for _, a := range args {
		out = append(out, a.Text())
	}
	if len(leftover) > 0 {
		out = append(out, fmt.Sprintf("[raw:%x]", leftover))
	}
	return out
}

func decodeArgument(payload []byte, order binary.ByteOrder) (Arg, []byte, bool) {
	if len(payload) < 4 {
		return Arg{}, nil, false
	}
	info := order.Uint32(payload[:4])
	rest := payload[4:]
	if info&typeInfoVari != 0 || info&typeInfoFixp != 0 || info&typeInfoArray != 0 {
		// Variable info / fixed point / arrays are not rendered.
		return Arg{}, nil, false
	}
	switch {
	case info&typeInfoBool != 0:
		if len(rest) < 1 {
			return Arg{}, nil, false
		}
		return Arg{Kind: ArgBool, Bool: rest[0] != 0}, rest[1:], true
	case info&typeInfoSint != 0:
		return decodeInt(rest, order, info&typeInfoTyle, true)
	case info&typeInfoUint != 0:
		return decodeInt(rest, order, info&typeInfoTyle, false)
	case info&typeInfoFloat != 0:
		return decodeFloat(rest, order, info&typeInfoTyle)
	case info&typeInfoStrg != 0:
		return decodeSized(rest, order, func(b []byte) Arg {
			return Arg{Kind: ArgString, Str: strings.TrimRight(string(b), "\x00")}
		})
	case info&typeInfoRawd != 0:
		return decodeSized(rest, order, func(b []byte) Arg {
			return Arg{Kind: ArgRaw, Raw: append([]byte(nil), b...)}
		})
	default:
		return Arg{}, nil, false
	}
}

func decodeInt(rest []byte, order binary.ByteOrder, tyle uint32, signed bool) (Arg, []byte, bool) {
	size := map[uint32]int{1: 1, 2: 2, 3: 4, 4: 8}[tyle]
	if size == 0 || len(rest) < size {
		return Arg{}, nil, false
	}
	var u uint64
	switch size {
	case 1:
		u = uint64(rest[0])
	case 2:
		u = uint64(order.Uint16(rest[:2]))
	case 4:
		u = uint64(order.Uint32(rest[:4]))
	case 8:
		u = order.Uint64(rest[:8])
	}
	if signed {
		var v int64
		switch size {
		case 1:
			v = int64(int8(u))
		case 2:
			v = int64(int16(u))
		case 4:
			v = int64(int32(u))
		case 8:
			v = int64(u)
		}
		return Arg{Kind: ArgInt, Int: v}, rest[size:], true
	}
	return Arg{Kind: ArgUint, Uint: u}, rest[size:], true
}

func decodeFloat(rest []byte, order binary.ByteOrder, tyle uint32) (Arg, []byte, bool) {
	switch tyle {
	case 3:
		if len(rest) < 4 {
			return Arg{}, nil, false
		}
		v := math.Float32frombits(order.Uint32(rest[:4]))
		return Arg{Kind: ArgFloat, Float: float64(v)}, rest[4:], true
	case 4:
		if len(rest) < 8 {
			return Arg{}, nil, false
		}
		v := math.Float64frombits(order.Uint64(rest[:8]))
		return Arg{Kind: ArgFloat, Float: v}, rest[8:], true
	default:
		return Arg{}, nil, false
	}
}

func decodeSized(rest []byte, order binary.ByteOrder, build func([]byte) Arg) (Arg, []byte, bool) {
	if len(rest) < 2 {
		return Arg{}, nil, false
	}
	size := int(order.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < size {
		return Arg{}, nil, false
	}
	return build(rest[:size]), rest[size:], true
}
