// Package source normalizes heterogeneous inputs (files, sockets, serial
// ports, child processes) into ordered byte streams consumed by the parser
// pipeline. A connector owns its OS resources; Close releases them
// synchronously.
package source

import (
	"context"
	"fmt"

	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
)

const readChunkSize = 16 * 1024

// ByteSource delivers ordered chunks of raw bytes. Read returns io.EOF when
// a finite source is exhausted; stream sources block until data arrives, the
// context is cancelled, or the peer closes.
type ByteSource interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Writable is implemented by bidirectional sources that accept SDE
// write-back requests (process stdin, tcp, serial).
type Writable interface {
	Income(ctx context.Context, req model.SdeRequest) (model.SdeResponse, error)
}

// Part is one ordered byte stream of an origin together with its alias.
// Concat origins produce several parts; everything else produces one.
type Part struct {
	Alias  string
	Source ByteSource
}

// Open connects the origin and returns its parts in ingestion order.
// Options must have been validated beforehand.
func Open(ctx context.Context, origin observe.Origin) ([]Part, error) {
	switch origin.Kind {
	case observe.OriginFile:
		src, err := OpenFile(origin.Path)
		if err != nil {
			return nil, err
		}
		return []Part{{Alias: origin.Path, Source: src}}, nil
	case observe.OriginConcat:
		parts := make([]Part, 0, len(origin.Concat))
		for _, item := range origin.Concat {
			src, err := OpenFile(item.Path)
			if err != nil {
				for _, p := range parts {
					_ = p.Source.Close()
				}
				return nil, err
			}
			alias := item.Alias
			if alias == "" {
				alias = item.Path
			}
			parts = append(parts, Part{Alias: alias, Source: src})
		}
		return parts, nil
	case observe.OriginStream:
		src, err := openTransport(ctx, *origin.Transport)
		if err != nil {
			return nil, err
		}
		return []Part{{Alias: origin.Alias(), Source: src}}, nil
	default:
		return nil, fmt.Errorf("unknown origin kind: %q", origin.Kind)
	}
}

func openTransport(ctx context.Context, t observe.Transport) (ByteSource, error) {
	switch t.Kind {
	case observe.TransportProcess:
		return SpawnProcess(*t.Process)
	case observe.TransportTCP:
		return OpenTCP(ctx, *t.TCP)
	case observe.TransportUDP:
		return OpenUDP(*t.UDP)
	case observe.TransportSerial:
		return OpenSerial(*t.Serial)
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", t.Kind)
	}
}
