package session

import (
	"sync"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/search"
)

// EventKind discriminates the payload of a session event.
type EventKind string

const (
	EventStreamUpdated       EventKind = "StreamUpdated"
	EventSearchUpdated       EventKind = "SearchUpdated"
	EventIndexedMapUpdated   EventKind = "IndexedMapUpdated"
	EventSearchMapUpdated    EventKind = "SearchMapUpdated"
	EventSearchValuesUpdated EventKind = "SearchValuesUpdated"
	EventAttachmentsUpdated  EventKind = "AttachmentsUpdated"
	EventProgress            EventKind = "Progress"
	EventSessionError        EventKind = "SessionError"
	EventOperationError      EventKind = "OperationError"
	EventOperationStarted    EventKind = "OperationStarted"
	EventOperationProcessing EventKind = "OperationProcessing"
	EventOperationDone       EventKind = "OperationDone"
	EventSessionDestroyed    EventKind = "SessionDestroyed"
)

// Event is one entry of a session's ordered event stream.
type Event struct {
	Session string    `json:"session"`
	Kind    EventKind `json:"kind"`

	Len          *uint64                       `json:"len,omitempty"`
	Found        *uint64                       `json:"found,omitempty"`
	Stat         model.SearchStat              `json:"stat,omitempty"`
	Map          [][]search.FilterCount        `json:"map,omitempty"`
	Values       map[uint8][]model.CandlePoint `json:"values,omitempty"`
	Ranges       map[uint8]model.ValueRange    `json:"ranges,omitempty"`
	Attachment   *model.Attachment             `json:"attachment,omitempty"`
	Attachments  *uint64                       `json:"attachments,omitempty"`
	Operation    string                        `json:"operation,omitempty"`
	Ticks        *model.Ticks                  `json:"ticks,omitempty"`
	Notification *model.Notification           `json:"notification,omitempty"`
	Error        *cerror.NativeError           `json:"error,omitempty"`
	Result       any                           `json:"result,omitempty"`
}

// subscriber events are buffered; a subscriber that stops draining loses
// events instead of stalling the session.
const subscriberBuffer = 256

type dropCounter interface{ Inc() }

// broadcaster fans the ordered event stream out to any number of
// subscribers. Emission order is preserved per subscriber.
type broadcaster struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped dropCounter
}

func newBroadcaster(dropped dropCounter) *broadcaster {
	return &broadcaster{subs: map[int]chan Event{}, dropped: dropped}
}

// Subscribe returns the event channel and an unsubscribe func. The
// channel closes on unsubscribe or session destruction.
func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *broadcaster) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			if b.dropped != nil {
				b.dropped.Inc()
			}
		}
	}
}

func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
