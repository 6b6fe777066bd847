package source

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
)

func drain(t *testing.T, src ByteSource) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []byte
	for {
		chunk, err := src.Read(ctx)
		out = append(out, chunk...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
	}
}

func TestFileSourceReadsAllBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.log")
	content := []byte("alpha\nbeta\ngamma\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, content, drain(t, src))
}

func TestConcatOriginPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")
	require.NoError(t, os.WriteFile(first, []byte("one\n"), 0o600))
	require.NoError(t, os.WriteFile(second, []byte("two\n"), 0o600))

	parts, err := Open(context.Background(), observe.Origin{
		Kind: observe.OriginConcat,
		Concat: []observe.ConcatItem{
			{Alias: "first", Path: first},
			{Alias: "second", Path: second},
		},
	})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "first", parts[0].Alias)
	assert.Equal(t, "second", parts[1].Alias)
	assert.Equal(t, []byte("one\n"), drain(t, parts[0].Source))
	assert.Equal(t, []byte("two\n"), drain(t, parts[1].Source))
	for _, p := range parts {
		require.NoError(t, p.Source.Close())
	}
}

func TestProcessSourceCapturesStdout(t *testing.T) {
	src, err := SpawnProcess(observe.ProcessTransport{Command: "printf 'hello\\nworld\\n'"})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, []byte("hello\nworld\n"), drain(t, src))
}

func TestProcessSourceCloseKillsChild(t *testing.T) {
	src, err := SpawnProcess(observe.ProcessTransport{Command: "sleep 60"})
	require.NoError(t, err)

	pid := src.(*processSource).Pid()
	require.NotZero(t, pid)
	require.NoError(t, src.Close())

	// After Close returns the child must be reaped: signal 0 fails.
	err = syscall.Kill(pid, 0)
	assert.Error(t, err)
}

func TestProcessSourceIncomeWritesStdin(t *testing.T) {
	src, err := SpawnProcess(observe.ProcessTransport{Command: "cat"})
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	resp, err := src.(Writable).Income(ctx, model.SdeRequest{WriteText: "ping\n"})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Bytes)

	chunk, err := src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping\n"), chunk)
}

func TestUDPSourcePreservesDatagramFraming(t *testing.T) {
	src, err := OpenUDP(observe.UDPTransport{BindAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer src.Close()

	addr := src.(*udpSource).conn.LocalAddr().String()
	client, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("first"))
	require.NoError(t, err)
	_, err = client.Write([]byte("second"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunk, err := src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), chunk)
	chunk, err = src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), chunk)
}

func TestTCPSourceReadAndIncome(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	src, err := OpenTCP(context.Background(), observe.TCPTransport{BindAddr: ln.Addr().String()})
	require.NoError(t, err)
	defer src.Close()

	server := <-accepted
	defer server.Close()

	_, err = server.Write([]byte("payload"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunk, err := src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), chunk)

	resp, err := src.(Writable).Income(ctx, model.SdeRequest{WriteBytes: []byte("ack")})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Bytes)
	reply := make([]byte, 3)
	_, err = io.ReadFull(server, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("ack"), reply)
}

func TestUnsupportedSerialOptions(t *testing.T) {
	assert.Nil(t, unsupportedSerialOptions(observe.SerialTransport{Path: "/dev/ttyUSB0"}))
	assert.Equal(t, []string{"exclusive"},
		unsupportedSerialOptions(observe.SerialTransport{Exclusive: true}))
	assert.Equal(t, []string{"exclusive", "flow_control"},
		unsupportedSerialOptions(observe.SerialTransport{Exclusive: true, FlowControl: 1}))
}
