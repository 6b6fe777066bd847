// Package observe defines the immutable configuration of one observe
// operation: where bytes come from and how they become records. Options are
// validated completely before any connector opens a handle.
package observe

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// OriginKind discriminates the source origin.
type OriginKind string

const (
	OriginFile   OriginKind = "file"
	OriginConcat OriginKind = "concat"
	OriginStream OriginKind = "stream"
)

// ParserKind discriminates the record parser.
type ParserKind string

const (
	ParserText   ParserKind = "text"
	ParserDlt    ParserKind = "dlt"
	ParserSomeIp ParserKind = "someip"
)

// ContainerKind optionally wraps the parser in a pcap demultiplexer.
type ContainerKind string

const (
	ContainerNone       ContainerKind = ""
	ContainerPcapNG     ContainerKind = "pcapng"
	ContainerPcapLegacy ContainerKind = "pcap"
)

// TransportKind discriminates stream transports.
type TransportKind string

const (
	TransportProcess TransportKind = "process"
	TransportTCP     TransportKind = "tcp"
	TransportUDP     TransportKind = "udp"
	TransportSerial  TransportKind = "serial"
)

type ConcatItem struct {
	Alias string `json:"alias" yaml:"alias"`
	Path  string `json:"path" yaml:"path"`
}

type ProcessTransport struct {
	Cwd     string            `json:"cwd,omitempty"`
	Command string            `json:"command"`
	Envs    map[string]string `json:"envs,omitempty"`
}

type TCPTransport struct {
	BindAddr string `json:"bind_addr"`
}

type MulticastInfo struct {
	MultiAddr string `json:"multiaddr"`
	Interface string `json:"interface,omitempty"`
}

type UDPTransport struct {
	BindAddr  string          `json:"bind_addr"`
	Multicast []MulticastInfo `json:"multicast,omitempty"`
}

type SerialTransport struct {
	Path          string        `json:"path"`
	BaudRate      int           `json:"baud_rate"`
	DataBits      int           `json:"data_bits"`
	FlowControl   int           `json:"flow_control"`
	Parity        int           `json:"parity"`
	StopBits      int           `json:"stop_bits"`
	SendDataDelay time.Duration `json:"send_data_delay"`
	Exclusive     bool          `json:"exclusive"`
}

// Transport holds exactly one configured stream transport.
type Transport struct {
	Kind    TransportKind     `json:"kind"`
	Process *ProcessTransport `json:"process,omitempty"`
	TCP     *TCPTransport     `json:"tcp,omitempty"`
	UDP     *UDPTransport     `json:"udp,omitempty"`
	Serial  *SerialTransport  `json:"serial,omitempty"`
}

// Origin describes where the bytes of an observe operation come from.
type Origin struct {
	Kind      OriginKind   `json:"kind"`
	Path      string       `json:"path,omitempty"`
	Concat    []ConcatItem `json:"concat,omitempty"`
	Name      string       `json:"name,omitempty"`
	Transport *Transport   `json:"transport,omitempty"`
}

// DltLogLevel mirrors the DLT log level ordering: lower is more severe.
type DltLogLevel uint8

const (
	DltLevelFatal   DltLogLevel = 1
	DltLevelError   DltLogLevel = 2
	DltLevelWarn    DltLogLevel = 3
	DltLevelInfo    DltLogLevel = 4
	DltLevelDebug   DltLogLevel = 5
	DltLevelVerbose DltLogLevel = 6
)

type DltParserSettings struct {
	WithStorageHeader bool        `json:"with_storage_header"`
	MinLogLevel       DltLogLevel `json:"min_log_level,omitempty"`
	AppIDs            []string    `json:"app_ids,omitempty"`
	EcuIDs            []string    `json:"ecu_ids,omitempty"`
	ContextIDs        []string    `json:"context_ids,omitempty"`
	FibexFiles        []string    `json:"fibex_file_paths,omitempty"`
	TimezoneOffsetMin *int        `json:"tz_offset_min,omitempty"`
}

type SomeIpParserSettings struct {
	FibexFiles []string `json:"fibex_file_paths,omitempty"`
}

// ParserConfig selects and configures the parser of an observe operation.
type ParserConfig struct {
	Kind      ParserKind            `json:"kind"`
	Container ContainerKind         `json:"container,omitempty"`
	Dlt       *DltParserSettings    `json:"dlt,omitempty"`
	SomeIp    *SomeIpParserSettings `json:"someip,omitempty"`
}

// Options is the full, immutable configuration of one observe operation.
type Options struct {
	Origin Origin       `json:"origin"`
	Parser ParserConfig `json:"parser"`
}

// Validate rejects malformed options before any resource is opened.
func (o Options) Validate() error {
	if err := o.Origin.validate(); err != nil {
		return err
	}
	return o.Parser.validate()
}

func (o Origin) validate() error {
	switch o.Kind {
	case OriginFile:
		if strings.TrimSpace(o.Path) == "" {
			return fmt.Errorf("file origin requires a path")
		}
		if _, err := os.Stat(o.Path); err != nil {
			return fmt.Errorf("file origin: %w", err)
		}
	case OriginConcat:
		if len(o.Concat) == 0 {
			return fmt.Errorf("concat origin requires at least one part")
		}
		for i, part := range o.Concat {
			if strings.TrimSpace(part.Path) == "" {
				return fmt.Errorf("concat part %d: empty path", i)
			}
			if _, err := os.Stat(part.Path); err != nil {
				return fmt.Errorf("concat part %d: %w", i, err)
			}
		}
	case OriginStream:
		if o.Transport == nil {
			return fmt.Errorf("stream origin requires a transport")
		}
		return o.Transport.validate()
	default:
		return fmt.Errorf("unknown origin kind: %q", o.Kind)
	}
	return nil
}

func (t Transport) validate() error {
	switch t.Kind {
	case TransportProcess:
		if t.Process == nil || strings.TrimSpace(t.Process.Command) == "" {
			return fmt.Errorf("process transport requires a command")
		}
	case TransportTCP:
		if t.TCP == nil {
			return fmt.Errorf("tcp transport requires settings")
		}
		if _, _, err := net.SplitHostPort(t.TCP.BindAddr); err != nil {
			return fmt.Errorf("tcp bind addr %q: %w", t.TCP.BindAddr, err)
		}
	case TransportUDP:
		if t.UDP == nil {
			return fmt.Errorf("udp transport requires settings")
		}
		if _, _, err := net.SplitHostPort(t.UDP.BindAddr); err != nil {
			return fmt.Errorf("udp bind addr %q: %w", t.UDP.BindAddr, err)
		}
		for _, mc := range t.UDP.Multicast {
			ip := net.ParseIP(mc.MultiAddr)
			if ip == nil || !ip.IsMulticast() {
				return fmt.Errorf("invalid multicast group %q", mc.MultiAddr)
			}
		}
	case TransportSerial:
		if t.Serial == nil || strings.TrimSpace(t.Serial.Path) == "" {
			return fmt.Errorf("serial transport requires a device path")
		}
		if t.Serial.BaudRate <= 0 {
			return fmt.Errorf("serial baud rate must be positive")
		}
	default:
		return fmt.Errorf("unknown transport kind: %q", t.Kind)
	}
	return nil
}

func (p ParserConfig) validate() error {
	switch p.Kind {
	case ParserText:
		if p.Container != ContainerNone {
			return fmt.Errorf("text parser cannot be wrapped in a pcap container")
		}
	case ParserDlt:
		if p.Dlt == nil {
			return fmt.Errorf("dlt parser requires settings")
		}
		if lvl := p.Dlt.MinLogLevel; lvl != 0 && (lvl < DltLevelFatal || lvl > DltLevelVerbose) {
			return fmt.Errorf("invalid dlt min log level: %d", lvl)
		}
		for _, f := range p.Dlt.FibexFiles {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("fibex file: %w", err)
			}
		}
	case ParserSomeIp:
		if p.SomeIp == nil {
			return fmt.Errorf("someip parser requires settings")
		}
		for _, f := range p.SomeIp.FibexFiles {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("fibex file: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown parser kind: %q", p.Kind)
	}
	switch p.Container {
	case ContainerNone, ContainerPcapNG, ContainerPcapLegacy:
	default:
		return fmt.Errorf("unknown container kind: %q", p.Container)
	}
	return nil
}

// Alias returns a human-readable name for the origin, used as the default
// source alias when the caller does not provide one.
func (o Origin) Alias() string {
	switch o.Kind {
	case OriginFile:
		return o.Path
	case OriginConcat:
		return fmt.Sprintf("concat(%d)", len(o.Concat))
	case OriginStream:
		if o.Name != "" {
			return o.Name
		}
		if o.Transport != nil {
			return string(o.Transport.Kind)
		}
	}
	return "unknown"
}
