// Package notify implements the Notification Bus (spec §4.10): a
// database-NOTIFY-fed broadcast to interested in-process subscribers,
// modelled on the same register/unregister/broadcast loop the teacher
// used for its websocket hub, but sourced from Postgres LISTEN instead
// of an HTTP upgrade.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/camden-git/photopipeline/internal/logging"
)

// Channel is the Postgres NOTIFY channel the bus listens on.
const Channel = "media_item_added"

// subscriberCapacity bounds each subscriber's channel; on overflow the
// bus drops the oldest pending envelope rather than blocking.
const subscriberCapacity = 100

// Envelope is one broadcast notification: the parsed fields needed for
// per-subscriber filtering, plus the raw JSON payload to forward
// unparsed to whatever reads it off a subscriber channel.
type Envelope struct {
	UserID  int32
	RawJSON []byte
}

type payload struct {
	UserID int32 `json:"user_id"`
}

type subscriber struct {
	userID *int32 // nil means "all users"
	ch     chan Envelope
}

// Bus listens on Channel and fans parsed notifications out to bounded
// per-subscriber channels, filtered by user id.
type Bus struct {
	listener *pq.Listener

	mu          sync.Mutex
	subscribers map[*subscriber]bool
	closed      bool
}

// New returns a Bus that will LISTEN on Channel over a dedicated
// connection to dsn once Run is called. minReconnect/maxReconnect mirror
// pq.NewListener's backoff bounds.
func New(dsn string, minReconnect, maxReconnect time.Duration) *Bus {
	b := &Bus{subscribers: make(map[*subscriber]bool)}
	b.listener = pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.L.Warn().Err(err).Msg("notify: listener event")
		}
	})
	return b
}

// Run subscribes to Channel and blocks, dispatching notifications until
// the listener's notification channel is closed or ctx-independent Stop
// is called. Run is meant to be driven from its own goroutine.
func (b *Bus) Run() error {
	if err := b.listener.Listen(Channel); err != nil {
		return err
	}
	defer b.listener.Close()

	for n := range b.listener.Notify {
		if n == nil {
			// pq sends a nil notification after a reconnect; nothing to
			// replay since NOTIFY payloads aren't durable.
			continue
		}
		b.dispatch(n.Extra)
	}
	return nil
}

func (b *Bus) dispatch(raw string) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		logging.L.Warn().Err(err).Str("channel", Channel).Msg("notify: dropping unparseable payload")
		return
	}
	env := Envelope{UserID: p.UserID, RawJSON: []byte(raw)}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.userID != nil && *sub.userID != env.UserID {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Subscriber is lagging; drop the oldest queued envelope to
			// make room rather than block the whole bus on one reader.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- env:
			default:
			}
			logging.L.Warn().Msg("notify: subscriber lagging, dropped oldest envelope")
		}
	}
}

// Subscribe registers a new subscriber and returns its receive channel.
// When userID is non-nil, only envelopes for that user are delivered;
// nil subscribes to every envelope. Callers must call Unsubscribe when
// done to release the channel.
func (b *Bus) Subscribe(userID *int32) <-chan Envelope {
	sub := &subscriber{userID: userID, ch: make(chan Envelope, subscriberCapacity)}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = true
	return sub.ch
}

// Unsubscribe removes the subscriber owning ch and closes it. It is a
// no-op if ch was already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.ch == ch {
			delete(b.subscribers, sub)
			close(sub.ch)
			return
		}
	}
}

// Stop closes the underlying listener, which ends Run's range loop.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.listener.Close()
}
