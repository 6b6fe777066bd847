package source

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
)

// tcpSource reads a connected TCP stream and supports SDE write-back.
type tcpSource struct {
	conn net.Conn
	buf  []byte

	wmu sync.Mutex
}

func OpenTCP(ctx context.Context, cfg observe.TCPTransport) (ByteSource, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp connect %s: %w", cfg.BindAddr, err)
	}
	return &tcpSource{conn: conn, buf: make([]byte, readChunkSize)}, nil
}

func (s *tcpSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.conn.Read(s.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	return nil, err
}

func (s *tcpSource) Income(ctx context.Context, req model.SdeRequest) (model.SdeResponse, error) {
	payload := req.Payload()
	if len(payload) == 0 {
		return model.SdeResponse{}, nil
	}
	if err := ctx.Err(); err != nil {
		return model.SdeResponse{}, err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	n, err := s.conn.Write(payload)
	if err != nil {
		return model.SdeResponse{Bytes: n}, fmt.Errorf("tcp write: %w", err)
	}
	return model.SdeResponse{Bytes: n}, nil
}

func (s *tcpSource) Close() error {
	return s.conn.Close()
}

// udpSource delivers one datagram per chunk so the parser keeps framing
// boundaries intact.
type udpSource struct {
	conn   *net.UDPConn
	packet *ipv4.PacketConn
	buf    []byte
}

func OpenUDP(cfg observe.UDPTransport) (ByteSource, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("udp resolve %s: %w", cfg.BindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp bind %s: %w", cfg.BindAddr, err)
	}
	s := &udpSource{conn: conn, buf: make([]byte, 64*1024)}
	if len(cfg.Multicast) > 0 {
		s.packet = ipv4.NewPacketConn(conn)
		for _, mc := range cfg.Multicast {
			var ifi *net.Interface
			if mc.Interface != "" {
				ifi, err = net.InterfaceByName(mc.Interface)
				if err != nil {
					_ = conn.Close()
					return nil, fmt.Errorf("udp multicast interface %s: %w", mc.Interface, err)
				}
			}
			group := &net.UDPAddr{IP: net.ParseIP(mc.MultiAddr)}
			if err := s.packet.JoinGroup(ifi, group); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("udp join group %s: %w", mc.MultiAddr, err)
			}
		}
	}
	return s, nil
}

func (s *udpSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, _, err := s.conn.ReadFromUDP(s.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	return nil, err
}

func (s *udpSource) Close() error {
	return s.conn.Close()
}
