// Package eventbus is a concurrency-safe publish/subscribe bus used to
// surface session and server lifecycle events to observers (dashboard,
// log sink, tests).
package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/protei/cardlink/internal/logger"
)

// Kind identifies the closed set of event kinds emitted by the server and
// simulator.
type Kind string

const (
	KindServerStarted         Kind = "server_started"
	KindServerStopped         Kind = "server_stopped"
	KindSessionStarted        Kind = "session_started"
	KindSessionEnded          Kind = "session_ended"
	KindHandshakeStarted      Kind = "handshake_started"
	KindHandshakeCipherChosen Kind = "handshake_cipher_selected"
	KindHandshakeCompleted    Kind = "handshake_completed"
	KindHandshakeFailed       Kind = "handshake_failed"
	KindAPDUCommand           Kind = "apdu_command"
	KindAPDUResponse          Kind = "apdu_response"
	KindPSKMismatch           Kind = "psk_mismatch"
	KindConnectionInterrupted Kind = "connection_interrupted"
	KindHighErrorRate         Kind = "high_error_rate"
	KindOverflow              Kind = "overflow" // emitted by the async variant when it drops events
)

// Event is the payload delivered to subscribers. Payload fields are
// named per component (e.g. "suite", "psk_identity", "reason").
type Event struct {
	Kind      Kind
	SessionID string
	Payload   map[string]any
}

// Handler is invoked synchronously on the emitter's goroutine; it must not
// block indefinitely. A handler that panics or otherwise misbehaves is
// isolated by the bus (see emit) and never affects other subscribers.
type Handler func(Event)

// Token identifies a subscription for later Unsubscribe.
type Token string

// Emitter is the narrow surface components depend on, satisfied by both
// Bus (synchronous) and AsyncBus (buffered). Depending on this interface
// rather than *Bus lets the admin server and dashboard run against either
// without caring which one a deployment chose.
type Emitter interface {
	Subscribe(kinds []Kind, handler Handler) Token
	Unsubscribe(token Token)
	Emit(kind Kind, sessionID string, payload map[string]any)
}

type subscription struct {
	token   Token
	kinds   map[Kind]bool // nil means wildcard (all kinds)
	handler Handler
}

// Bus is the concrete, synchronous-by-default EventBus. Emit returns only
// after every matching handler has run; handlers are invoked against a
// snapshot of the subscriber list taken under lock, so emission never
// holds the lock across a handler call.
type Bus struct {
	mu   sync.RWMutex
	subs map[Token]*subscription
	log  *logger.Logger
}

// New returns a ready, empty Bus.
func New(log *logger.Logger) *Bus {
	return &Bus{subs: make(map[Token]*subscription), log: log}
}

// Subscribe registers handler for the given kinds. Pass a nil or empty
// kinds slice to subscribe to every kind (wildcard).
func (b *Bus) Subscribe(kinds []Kind, handler Handler) Token {
	token := Token(uuid.NewString())
	sub := &subscription{token: token, handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs[token] = sub
	b.mu.Unlock()
	return token
}

// Unsubscribe removes a previously registered subscription. Unsubscribing
// an unknown token is a no-op.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	delete(b.subs, token)
	b.mu.Unlock()
}

// Emit delivers an event of kind to every matching subscriber registered
// at the time of the call. The order in which different subscribers are
// invoked for one event is not defined. A subscriber registered before
// Emit is called is guaranteed to observe it.
func (b *Bus) Emit(kind Kind, sessionID string, payload map[string]any) {
	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.kinds == nil || sub.kinds[kind] {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	event := Event{Kind: kind, SessionID: sessionID, Payload: payload}
	for _, sub := range matching {
		b.invoke(sub, event)
	}
}

// invoke calls a single handler, recovering from panics so that one
// misbehaving subscriber never takes down the emitter or other
// subscribers.
func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Error("event handler panicked", nil, "kind", event.Kind, "recovered", r)
		}
	}()
	sub.handler(event)
}
