// Package session implements the AdminSession state machine shared by
// the server and the simulator: script issuance, APDU exchange
// bookkeeping, session resumption, and close-reason tracking.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protei/cardlink/internal/httpenvelope"
)

// State is the closed set of states an AdminSession moves through.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateOpen
	StateAwaitingResponse
	StateClosing
	StateClosed
	StateHandshakeFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateHandshakeFailed:
		return "handshake_failed"
	default:
		return "unknown"
	}
}

// CloseReason is the closed set of reasons a session transitions to
// Closing/Closed.
type CloseReason int

const (
	CloseReasonNone CloseReason = iota
	CloseReasonCompleted
	CloseReasonScriptAbort
	CloseReasonTimeout
	CloseReasonProtocolError
	CloseReasonInterrupted
	CloseReasonShutdown
	CloseReasonIdleTimeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonNone:
		return "none"
	case CloseReasonCompleted:
		return "completed"
	case CloseReasonScriptAbort:
		return "script_abort"
	case CloseReasonTimeout:
		return "timeout"
	case CloseReasonProtocolError:
		return "protocol_error"
	case CloseReasonInterrupted:
		return "interrupted"
	case CloseReasonShutdown:
		return "shutdown"
	case CloseReasonIdleTimeout:
		return "idle_timeout"
	default:
		return "unknown"
	}
}

// Direction distinguishes a command from its response within an
// APDUExchange.
type Direction int

const (
	DirectionCommand Direction = iota
	DirectionResponse
)

// APDUExchange is one entry in a session's APDU log.
type APDUExchange struct {
	Direction Direction
	Raw       []byte
	SW1       *byte
	SW2       *byte
	LatencyMs *float64
	Timestamp time.Time
}

// ErrInvalidTransition is returned when a caller requests a state change
// the state machine does not allow from the current state.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}

// ErrNextURIReused is returned when a client POSTs to a next-URI that was
// already consumed or never issued.
var ErrNextURIReused = fmt.Errorf("session: next-uri reused or unknown")

// Session is the per-connection state machine. It is owned exclusively
// by its connection worker while active; callers are expected to
// serialize access (a session is not used from multiple goroutines
// concurrently by design — see the owning-worker invariant).
type Session struct {
	mu sync.Mutex

	ID                 string
	PSKIdentity        string
	NegotiatedCipher   string
	TLSVersion         string
	PeerAddr           string
	OpenedAt           time.Time
	LastActivityAt     time.Time
	CloseReason        CloseReason
	ScriptCursor       int
	APDULog            []APDUExchange
	NextURI            string
	TargetedApplication string

	state        State
	issuedURIs   map[string]bool
	consumedURIs map[string]bool
}

// New returns a session in StateIdle with a freshly generated ID.
func New(pskIdentity, peerAddr string) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.NewString(),
		PSKIdentity:    pskIdentity,
		PeerAddr:       peerAddr,
		OpenedAt:       now,
		LastActivityAt: now,
		state:          StateIdle,
		issuedURIs:     make(map[string]bool),
		consumedURIs:   make(map[string]bool),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition validates and applies a state change under lock. Callers
// hold s.mu.
func (s *Session) transition(to State, allowed ...State) error {
	for _, a := range allowed {
		if s.state == a {
			s.state = to
			return nil
		}
	}
	return &ErrInvalidTransition{From: s.state, To: to}
}

// BeginHandshake moves Idle -> Handshaking.
func (s *Session) BeginHandshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateHandshaking, StateIdle)
}

// CompleteHandshake records negotiated transport parameters and moves
// Handshaking -> Open.
func (s *Session) CompleteHandshake(cipher, tlsVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateOpen, StateHandshaking); err != nil {
		return err
	}
	s.NegotiatedCipher = cipher
	s.TLSVersion = tlsVersion
	s.LastActivityAt = time.Now()
	return nil
}

// FailHandshake moves Handshaking -> HandshakeFailed (terminal).
func (s *Session) FailHandshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateHandshakeFailed, StateHandshaking)
}

// NextScriptURI allocates and records the next monotonically advancing
// continuation URI for path prefix base, moving Open -> AwaitingResponse.
func (s *Session) NextScriptURI(base string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateAwaitingResponse, StateOpen); err != nil {
		return "", err
	}
	s.ScriptCursor++
	uri := fmt.Sprintf("%s/step/%d", base, s.ScriptCursor)
	s.issuedURIs[uri] = true
	s.NextURI = uri
	return uri, nil
}

// AcceptResponseAt validates that uri is the most recently issued
// next-URI (never reused), marks it consumed, and moves
// AwaitingResponse -> Open.
func (s *Session) AcceptResponseAt(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumedURIs[uri] || !s.issuedURIs[uri] {
		return ErrNextURIReused
	}
	if err := s.transition(StateOpen, StateAwaitingResponse); err != nil {
		return err
	}
	s.consumedURIs[uri] = true
	s.LastActivityAt = time.Now()
	return nil
}

// BeginClosing moves to Closing with the given reason from Handshaking,
// Open or AwaitingResponse.
func (s *Session) BeginClosing(reason CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateClosing, StateOpen, StateAwaitingResponse, StateHandshaking); err != nil {
		return err
	}
	s.CloseReason = reason
	return nil
}

// Close moves Closing -> Closed (terminal, immutable thereafter).
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateClosed, StateClosing)
}

// AppendCommand appends a Command entry to the APDU log.
func (s *Session) AppendCommand(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.APDULog = append(s.APDULog, APDUExchange{Direction: DirectionCommand, Raw: raw, Timestamp: time.Now()})
}

// AppendResponse appends a Response entry, pairing it with the most
// recent unanswered Command.
func (s *Session) AppendResponse(raw []byte, sw1, sw2 byte, latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.APDULog = append(s.APDULog, APDUExchange{
		Direction: DirectionResponse,
		Raw:       raw,
		SW1:       &sw1,
		SW2:       &sw2,
		LatencyMs: &latencyMs,
		Timestamp: time.Now(),
	})
}

// Idle reports whether the session has been inactive for longer than
// timeout, as measured from LastActivityAt.
func (s *Session) Idle(timeout time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastActivityAt) > timeout
}

// Touch records activity at now, resetting the idle clock.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = now
}

// ClassifyScriptStatus maps a client-reported script status to the
// CloseReason it should produce when non-ok.
func ClassifyScriptStatus(status httpenvelope.ScriptStatus) (CloseReason, bool) {
	if status == httpenvelope.ScriptStatusOK || status == "" {
		return CloseReasonNone, false
	}
	return CloseReasonScriptAbort, true
}
