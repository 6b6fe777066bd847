package parser

import (
	"bytes"
	"strings"

	"github.com/vlaube/sessiond/internal/model"
)

// textParser splits on line terminators. A partial trailing line is left in
// the carry buffer until it is terminated or the stream closes.
type textParser struct{}

func NewText() Parser {
	return textParser{}
}

func (textParser) Parse(data []byte, eof bool) ([]Item, int, []model.Notification, error) {
	var items []Item
	consumed := 0
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		raw := data[consumed : consumed+idx+1]
		items = append(items, Item{
			Content: strings.TrimSuffix(string(raw[:len(raw)-1]), "\r"),
			Raw:     append([]byte(nil), raw...),
		})
		consumed += idx + 1
	}
	if eof && consumed < len(data) {
		raw := data[consumed:]
		items = append(items, Item{
			Content: strings.TrimSuffix(string(raw), "\r"),
			Raw:     append([]byte(nil), raw...),
		})
		consumed = len(data)
	}
	return items, consumed, nil, nil
}
