// Package dltft extracts embedded file transfers from DLT traces. A
// transfer is a FLST announcement, a run of FLDA data packets and a FLFI
// terminator, all carried as verbose log arguments.
//
// Message positions reported for transfers count every decoded frame of
// the trace, including frames a session's DLT filters would hide. They
// locate frames within the source file, not rows of a filtered stream.
package dltft

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/parser/dlt"
)

const (
	tagStart  = "FLST"
	tagData   = "FLDA"
	tagFinish = "FLFI"
)

// FileInfo describes one file transfer found in a trace.
type FileInfo struct {
	ID       uint64   `json:"id"`
	Name     string   `json:"name"`
	Size     uint64   `json:"size"`
	Created  string   `json:"created"`
	Packets  uint64   `json:"packets"`
	Messages []uint64 `json:"messages"`
	Complete bool     `json:"complete"`
}

type transfer struct {
	info   FileInfo
	chunks map[uint64][]byte
}

// collector accumulates transfers frame by frame. Data packets are only
// retained when keepData is set; listing needs the metadata only.
type collector struct {
	keepData bool
	pending  map[uint64]*transfer
	finished []*transfer
}

func newCollector(keepData bool) *collector {
	return &collector{keepData: keepData, pending: map[uint64]*transfer{}}
}

func (c *collector) feed(pos uint64, frame *dlt.Frame) {
	if !frame.Verbose {
		return
	}
	args, _ := frame.Args()
	if len(args) < 2 || args[0].Kind != dlt.ArgString {
		return
	}
	switch args[0].Str {
	case tagStart:
		// FLST, id, name, size, created, packets, buffer size, FLST
		if len(args) < 7 || args[1].Kind != dlt.ArgUint || args[2].Kind != dlt.ArgString {
			return
		}
		id := args[1].Uint
		tr := &transfer{
			info: FileInfo{
				ID:       id,
				Name:     args[2].Str,
				Messages: []uint64{pos},
			},
			chunks: map[uint64][]byte{},
		}
		if args[3].Kind == dlt.ArgUint {
			tr.info.Size = args[3].Uint
		}
		if args[4].Kind == dlt.ArgString {
			tr.info.Created = args[4].Str
		}
		if args[5].Kind == dlt.ArgUint {
			tr.info.Packets = args[5].Uint
		}
		c.pending[id] = tr
	case tagData:
		// FLDA, id, packet number, data, FLDA
		if len(args) < 4 || args[1].Kind != dlt.ArgUint || args[2].Kind != dlt.ArgUint {
			return
		}
		tr, ok := c.pending[args[1].Uint]
		if !ok {
			return
		}
		tr.info.Messages = append(tr.info.Messages, pos)
		if args[3].Kind != dlt.ArgRaw {
			return
		}
		if c.keepData {
			tr.chunks[args[2].Uint] = args[3].Raw
		} else {
			tr.chunks[args[2].Uint] = nil
		}
	case tagFinish:
		// FLFI, id, FLFI
		if args[1].Kind != dlt.ArgUint {
			return
		}
		id := args[1].Uint
		tr, ok := c.pending[id]
		if !ok {
			return
		}
		tr.info.Messages = append(tr.info.Messages, pos)
		tr.info.Complete = tr.info.Packets > 0 && uint64(len(tr.chunks)) == tr.info.Packets
		c.finished = append(c.finished, tr)
		delete(c.pending, id)
	}
}

// finish returns completed transfers first, then any dangling ones that
// never saw their terminator.
func (c *collector) finish() []*transfer {
	out := append([]*transfer(nil), c.finished...)
	dangling := make([]*transfer, 0, len(c.pending))
	for _, tr := range c.pending {
		dangling = append(dangling, tr)
	}
	sort.Slice(dangling, func(i, j int) bool {
		return dangling[i].info.Messages[0] < dangling[j].info.Messages[0]
	})
	return append(out, dangling...)
}

// bytes assembles the transfer payload in packet order.
func (tr *transfer) bytes() []byte {
	numbers := make([]uint64, 0, len(tr.chunks))
	for nr := range tr.chunks {
		numbers = append(numbers, nr)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	var out []byte
	for _, nr := range numbers {
		out = append(out, tr.chunks[nr]...)
	}
	return out
}

// Extractor scans and extracts transfers. Operations on the same trace
// file are single flight: a second request while one runs is rejected.
type Extractor struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewExtractor() *Extractor {
	return &Extractor{busy: map[string]struct{}{}}
}

func (e *Extractor) acquire(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.busy[path]; running {
		return fmt.Errorf("extraction already running for %s: %w", path, cerror.ErrBusy)
	}
	e.busy[path] = struct{}{}
	return nil
}

func (e *Extractor) release(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, path)
}

// Scan lists the transfers of a trace without materializing their data.
func (e *Extractor) Scan(ctx context.Context, path string, withStorage bool) ([]FileInfo, error) {
	if err := e.acquire(path); err != nil {
		return nil, err
	}
	defer e.release(path)

	transfers, err := scanTrace(ctx, path, withStorage, false)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(transfers))
	for _, tr := range transfers {
		infos = append(infos, tr.info)
	}
	return infos, nil
}

// ExtractAll writes every complete transfer of the trace into outDir and
// returns the resulting attachments.
func (e *Extractor) ExtractAll(ctx context.Context, path string, withStorage bool, outDir string) ([]model.Attachment, error) {
	return e.extract(ctx, path, withStorage, outDir, nil)
}

// ExtractSelected writes only the transfers with the given ids.
func (e *Extractor) ExtractSelected(ctx context.Context, path string, withStorage bool, outDir string, ids []uint64) ([]model.Attachment, error) {
	selected := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		selected[id] = struct{}{}
	}
	return e.extract(ctx, path, withStorage, outDir, selected)
}

func (e *Extractor) extract(ctx context.Context, path string, withStorage bool, outDir string, selected map[uint64]struct{}) ([]model.Attachment, error) {
	if err := e.acquire(path); err != nil {
		return nil, err
	}
	defer e.release(path)

	transfers, err := scanTrace(ctx, path, withStorage, true)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var attachments []model.Attachment
	used := map[string]struct{}{}
	for _, tr := range transfers {
		if !tr.info.Complete {
			continue
		}
		if selected != nil {
			if _, ok := selected[tr.info.ID]; !ok {
				continue
			}
		}
		name := uniqueName(used, filepath.Base(tr.info.Name))
		dest := filepath.Join(outDir, name)
		data := tr.bytes()
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", name, err)
		}
		ext := filepath.Ext(name)
		attachments = append(attachments, model.Attachment{
			UUID:     uuid.NewString(),
			Filepath: dest,
			Name:     name,
			Ext:      ext,
			Size:     uint64(len(data)),
			Mime:     model.MimeByExt(ext),
			Messages: tr.info.Messages,
		})
	}
	return attachments, nil
}

func uniqueName(used map[string]struct{}, name string) string {
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "unnamed"
	}
	candidate := name
	for i := 1; ; i++ {
		if _, taken := used[candidate]; !taken {
			used[candidate] = struct{}{}
			return candidate
		}
		ext := filepath.Ext(name)
		candidate = fmt.Sprintf("%s.%d%s", name[:len(name)-len(ext)], i, ext)
	}
}

// scanTrace decodes the trace frame by frame, feeding a collector. Corrupt
// stretches are skipped the same way the indexing parser does.
func scanTrace(ctx context.Context, path string, withStorage bool, keepData bool) ([]*transfer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	col := newCollector(keepData)
	var (
		buf []byte
		pos uint64
	)
	chunk := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, cerror.ErrCancelled)
		}
		n, rerr := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		eof := rerr == io.EOF

		consumed := 0
	decode:
		for consumed < len(buf) {
			frame, used, derr := dlt.Decode(buf[consumed:], withStorage)
			switch derr {
			case nil:
				col.feed(pos, frame)
				pos++
				consumed += used
			case dlt.ErrIncomplete:
				break decode
			default:
				if !withStorage {
					consumed++
					continue
				}
				if idx := dlt.FindStoragePattern(buf[consumed:]); idx > 0 {
					consumed += idx
					continue
				}
				if eof {
					consumed = len(buf)
					break decode
				}
				if rem := len(buf) - consumed; rem > 3 {
					consumed += rem - 3
				}
				break decode
			}
		}
		buf = buf[:copy(buf, buf[consumed:])]

		if eof {
			return col.finish(), nil
		}
		if rerr != nil {
			return nil, fmt.Errorf("read trace: %w", rerr)
		}
	}
}
