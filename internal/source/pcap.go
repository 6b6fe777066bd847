package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/vlaube/sessiond/internal/observe"
)

// packetReader is the common surface of pcapgo's legacy and ng readers.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// pcapSource unwraps a pcap or pcapng container around another byte source.
// Each Read yields the transport payload of one captured packet, so datagram
// framing survives for the frame parsers downstream.
type pcapSource struct {
	inner  ByteSource
	kind   observe.ContainerKind
	rd     *contextReader
	reader packetReader
}

// WrapPcap decorates src with a pcap demultiplexer. The container header is
// read lazily on the first Read so live sources work too.
func WrapPcap(src ByteSource, kind observe.ContainerKind) (ByteSource, error) {
	switch kind {
	case observe.ContainerPcapNG, observe.ContainerPcapLegacy:
	default:
		return nil, fmt.Errorf("unsupported container kind: %q", kind)
	}
	return &pcapSource{
		inner: src,
		kind:  kind,
		rd:    &contextReader{src: src},
	}, nil
}

func (s *pcapSource) Read(ctx context.Context) ([]byte, error) {
	s.rd.ctx = ctx
	if s.reader == nil {
		var err error
		switch s.kind {
		case observe.ContainerPcapNG:
			s.reader, err = pcapgo.NewNgReader(s.rd, pcapgo.DefaultNgReaderOptions)
		case observe.ContainerPcapLegacy:
			s.reader, err = pcapgo.NewReader(s.rd)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("open %s container: %w", s.kind, err)
		}
	}
	for {
		data, _, err := s.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read %s packet: %w", s.kind, err)
		}
		packet := gopacket.NewPacket(data, s.reader.LinkType(), gopacket.Lazy)
		transport := packet.TransportLayer()
		if transport == nil || len(transport.LayerPayload()) == 0 {
			continue
		}
		return append([]byte(nil), transport.LayerPayload()...), nil
	}
}

func (s *pcapSource) Close() error {
	return s.inner.Close()
}

// contextReader adapts a ByteSource to io.Reader for pcapgo. The context is
// refreshed by the wrapping source before every read.
type contextReader struct {
	src ByteSource
	ctx context.Context
	buf []byte
	err error
}

func (r *contextReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		ctx := r.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		chunk, err := r.src.Read(ctx)
		r.buf = append(r.buf, chunk...)
		if err != nil {
			r.err = err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
