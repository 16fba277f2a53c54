package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/stdiobridge/core/logx"
)

// Event is one diagnostic item fanned out to observers.
type Event struct {
	Type    string          `json:"type"` // "unsolicited" | "stderr"
	Payload json.RawMessage `json:"payload,omitempty"`
	Line    string          `json:"line,omitempty"`
	TS      time.Time       `json:"ts"`
}

// Unsolicited builds an event for a subprocess message with no pending call.
func Unsolicited(msg json.RawMessage) Event {
	return Event{Type: "unsolicited", Payload: msg, TS: time.Now()}
}

// Stderr builds an event for one subprocess stderr line.
func Stderr(line string) Event {
	return Event{Type: "stderr", Line: line, TS: time.Now()}
}

const subscriberQueue = 64

// Broadcaster fans events out to websocket observers. Slow subscribers drop
// events rather than stalling the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[string]chan Event{}}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logx.Log.Debug().Str("subscriber", id).Msg("event dropped; subscriber backlogged")
		}
	}
}

// Subscribe registers a new observer queue.
func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberQueue)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes an observer queue.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscribers returns the current observer count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// WSHandler upgrades the request and streams events until the client leaves.
func (b *Broadcaster) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		id, ch := b.Subscribe()
		defer b.Unsubscribe(id)
		logx.Log.Info().Str("subscriber", id).Msg("event observer connected")

		ctx := r.Context()
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case ev := <-ch:
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err = c.Write(wctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					_ = c.Close(websocket.StatusNormalClosure, "write failed")
					return
				}
			case <-ping.C:
				if err := c.Ping(ctx); err != nil {
					_ = c.Close(websocket.StatusNormalClosure, "ping failed")
					return
				}
			case <-ctx.Done():
				_ = c.Close(websocket.StatusNormalClosure, "closing")
				return
			}
		}
	}
}
