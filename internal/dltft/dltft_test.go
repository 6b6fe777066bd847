package dltft

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlaube/sessiond/internal/cerror"
)

// Verbose argument encoders. Type info values per the DLT wire format:
// 0x200 string, 0x43 32 bit unsigned, 0x400 raw data.
func stringArg(s string) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0x200))
	data := append([]byte(s), 0)
	binary.Write(buf, binary.LittleEndian, uint16(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func uintArg(v uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0x43))
	binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func rawArg(b []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(0x400))
	binary.Write(buf, binary.LittleEndian, uint16(len(b)))
	buf.Write(b)
	return buf.Bytes()
}

// ftFrame builds one storage-headed verbose info frame carrying args.
func ftFrame(args ...[]byte) []byte {
	payload := bytes.Join(args, nil)
	msgLen := 4 + 4 + 4 + 10 + len(payload)

	buf := new(bytes.Buffer)
	buf.WriteString("DLT\x01")
	binary.Write(buf, binary.LittleEndian, uint32(1700000000))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	buf.WriteString("ECU1")

	buf.WriteByte(0x15) // ext header, ecu id, timestamp
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, uint16(msgLen))
	buf.WriteString("ECU1")
	binary.Write(buf, binary.BigEndian, uint32(1))

	buf.WriteByte(0x01 | 4<<4) // verbose log info
	buf.WriteByte(byte(len(args)))
	buf.WriteString("FLT\x00")
	buf.WriteString("FT\x00\x00")
	buf.Write(payload)
	return buf.Bytes()
}

func startFrame(id uint32, name string, size, packets uint32) []byte {
	return ftFrame(
		stringArg(tagStart),
		uintArg(id),
		stringArg(name),
		uintArg(size),
		stringArg("2024-01-01"),
		uintArg(packets),
		uintArg(512),
		stringArg(tagStart),
	)
}

func dataFrame(id, nr uint32, data []byte) []byte {
	return ftFrame(stringArg(tagData), uintArg(id), uintArg(nr), rawArg(data), stringArg(tagData))
}

func finishFrame(id uint32) []byte {
	return ftFrame(stringArg(tagFinish), uintArg(id), stringArg(tagFinish))
}

func writeTrace(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.dlt")
	require.NoError(t, os.WriteFile(path, bytes.Join(frames, nil), 0o600))
	return path
}

func TestScanListsCompleteTransfer(t *testing.T) {
	path := writeTrace(t,
		startFrame(1, "report.txt", 6, 2),
		dataFrame(1, 1, []byte("hel")),
		dataFrame(1, 2, []byte("lo!")),
		finishFrame(1),
	)

	infos, err := NewExtractor().Scan(context.Background(), path, true)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(1), infos[0].ID)
	assert.Equal(t, "report.txt", infos[0].Name)
	assert.Equal(t, uint64(6), infos[0].Size)
	assert.Equal(t, uint64(2), infos[0].Packets)
	assert.Equal(t, "2024-01-01", infos[0].Created)
	assert.Equal(t, []uint64{0, 1, 2, 3}, infos[0].Messages)
	assert.True(t, infos[0].Complete)
}

func TestExtractAllWritesAssembledFile(t *testing.T) {
	path := writeTrace(t,
		startFrame(1, "report.txt", 6, 2),
		dataFrame(1, 1, []byte("hel")),
		dataFrame(1, 2, []byte("lo!")),
		finishFrame(1),
	)
	outDir := filepath.Join(t.TempDir(), "out")

	attachments, err := NewExtractor().ExtractAll(context.Background(), path, true, outDir)
	require.NoError(t, err)
	require.Len(t, attachments, 1)

	att := attachments[0]
	assert.Equal(t, "report.txt", att.Name)
	assert.Equal(t, ".txt", att.Ext)
	assert.Equal(t, uint64(6), att.Size)
	assert.NotEmpty(t, att.UUID)
	assert.Equal(t, []uint64{0, 1, 2, 3}, att.Messages)

	content, err := os.ReadFile(att.Filepath)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello!"), content)
}

func TestExtractSelectedFiltersByID(t *testing.T) {
	path := writeTrace(t,
		startFrame(1, "a.bin", 1, 1),
		dataFrame(1, 1, []byte{0xaa}),
		finishFrame(1),
		startFrame(2, "b.bin", 1, 1),
		dataFrame(2, 1, []byte{0xbb}),
		finishFrame(2),
	)
	outDir := filepath.Join(t.TempDir(), "out")

	attachments, err := NewExtractor().ExtractSelected(context.Background(), path, true, outDir, []uint64{2})
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, "b.bin", attachments[0].Name)
}

func TestIncompleteTransferIsNotExtracted(t *testing.T) {
	path := writeTrace(t,
		startFrame(7, "partial.bin", 6, 2),
		dataFrame(7, 1, []byte("hel")),
		finishFrame(7),
	)

	infos, err := NewExtractor().Scan(context.Background(), path, true)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Complete)

	attachments, err := NewExtractor().ExtractAll(context.Background(), path, true, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	assert.Empty(t, attachments)
}

func TestConcurrentRequestForSameTraceIsRejected(t *testing.T) {
	e := NewExtractor()
	path := "/tmp/some-trace.dlt"
	require.NoError(t, e.acquire(path))
	defer e.release(path)

	_, err := e.Scan(context.Background(), path, true)
	assert.ErrorIs(t, err, cerror.ErrBusy)
}

func TestDanglingTransferWithoutFinishIsListed(t *testing.T) {
	path := writeTrace(t,
		startFrame(3, "open.bin", 3, 1),
		dataFrame(3, 1, []byte{1, 2, 3}),
	)

	infos, err := NewExtractor().Scan(context.Background(), path, true)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "open.bin", infos[0].Name)
	assert.False(t, infos[0].Complete)
}
