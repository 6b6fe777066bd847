// Package parser converts raw byte streams into discrete typed records.
// Parsers are push-driven: the pipeline feeds chunks and keeps the
// unconsumed tail (partial line or truncated frame) in a carry buffer, so a
// record is only ever emitted complete.
package parser

import (
	"fmt"

	"github.com/vlaube/sessiond/internal/fibex"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
	"github.com/vlaube/sessiond/internal/parser/dlt"
	"github.com/vlaube/sessiond/internal/parser/someip"
)

// Item is one parsed record. Raw holds the exact consumed source bytes.
// Skipped marks frames that were decoded and filtered out: byte accounting
// advances but nothing is indexed.
type Item struct {
	Content string
	Raw     []byte
	Skipped bool
}

// Parser consumes a prefix of data and yields complete records. consumed
// reports how many bytes were used; the rest stays in the carry buffer.
// With eof set, a parser may flush a trailing unterminated record.
type Parser interface {
	Parse(data []byte, eof bool) (items []Item, consumed int, notes []model.Notification, err error)
}

// New builds the parser selected by cfg. Fibex metadata is loaded once and
// shared read-only via the fibex cache.
func New(cfg observe.ParserConfig, cache *fibex.Cache) (Parser, error) {
	switch cfg.Kind {
	case observe.ParserText:
		return NewText(), nil
	case observe.ParserDlt:
		var meta *fibex.Model
		if len(cfg.Dlt.FibexFiles) > 0 {
			var err error
			meta, err = cache.Load(cfg.Dlt.FibexFiles)
			if err != nil {
				return nil, fmt.Errorf("load fibex: %w", err)
			}
		}
		return dltAdapter{p: dlt.NewParser(*cfg.Dlt, meta)}, nil
	case observe.ParserSomeIp:
		var meta *fibex.Model
		if len(cfg.SomeIp.FibexFiles) > 0 {
			var err error
			meta, err = cache.Load(cfg.SomeIp.FibexFiles)
			if err != nil {
				return nil, fmt.Errorf("load fibex: %w", err)
			}
		}
		return someipAdapter{p: someip.NewParser(*cfg.SomeIp, meta)}, nil
	default:
		return nil, fmt.Errorf("unknown parser kind: %q", cfg.Kind)
	}
}

type dltAdapter struct {
	p *dlt.Parser
}

func (a dltAdapter) Parse(data []byte, eof bool) ([]Item, int, []model.Notification, error) {
	records, consumed, notes, err := a.p.Parse(data, eof)
	items := make([]Item, len(records))
	for i, r := range records {
		items[i] = Item{Content: r.Content, Raw: r.Raw, Skipped: r.Skipped}
	}
	return items, consumed, notes, err
}

type someipAdapter struct {
	p *someip.Parser
}

func (a someipAdapter) Parse(data []byte, eof bool) ([]Item, int, []model.Notification, error) {
	records, consumed, notes, err := a.p.Parse(data, eof)
	items := make([]Item, len(records))
	for i, r := range records {
		items[i] = Item{Content: r.Content, Raw: r.Raw, Skipped: r.Skipped}
	}
	return items, consumed, notes, err
}
