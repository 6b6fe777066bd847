package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlaube/sessiond/internal/fibex"
	"github.com/vlaube/sessiond/internal/observe"
)

func TestTextParserSplitsTerminatedLines(t *testing.T) {
	p := NewText()
	items, consumed, notes, err := p.Parse([]byte("alpha\nbeta\r\ngam"), false)
	require.NoError(t, err)
	require.Empty(t, notes)
	assert.Equal(t, len("alpha\nbeta\r\n"), consumed)
	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].Content)
	assert.Equal(t, []byte("alpha\n"), items[0].Raw)
	assert.Equal(t, "beta", items[1].Content)
	assert.Equal(t, []byte("beta\r\n"), items[1].Raw)
}

func TestTextParserFlushesUnterminatedTailAtEOF(t *testing.T) {
	p := NewText()
	items, consumed, _, err := p.Parse([]byte("tail without newline"), true)
	require.NoError(t, err)
	assert.Equal(t, len("tail without newline"), consumed)
	require.Len(t, items, 1)
	assert.Equal(t, "tail without newline", items[0].Content)
}

func TestTextParserEmitsEmptyLines(t *testing.T) {
	p := NewText()
	items, _, _, err := p.Parse([]byte("\n\n"), false)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "", items[0].Content)
	assert.Equal(t, []byte("\n"), items[0].Raw)
}

func TestNewRejectsUnknownParserKind(t *testing.T) {
	_, err := New(observe.ParserConfig{Kind: "bogus"}, fibex.NewCache())
	assert.Error(t, err)
}

func TestNewBuildsDltParser(t *testing.T) {
	p, err := New(observe.ParserConfig{
		Kind: observe.ParserDlt,
		Dlt:  &observe.DltParserSettings{WithStorageHeader: true},
	}, fibex.NewCache())
	require.NoError(t, err)
	require.NotNil(t, p)
}
