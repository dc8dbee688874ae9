// Package server implements AdminServer: the PSK-TLS listener, its
// bounded worker pool, and the per-connection Admin HTTP session loop
// that drives a script of C-APDUs against a connecting client.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/protei/cardlink/internal/apdu"
	"github.com/protei/cardlink/internal/card"
	"github.com/protei/cardlink/internal/eventbus"
	"github.com/protei/cardlink/internal/httpenvelope"
	"github.com/protei/cardlink/internal/keystore"
	"github.com/protei/cardlink/internal/logger"
	"github.com/protei/cardlink/internal/session"
	"github.com/protei/cardlink/internal/tlstransport"
)

// LogSink is the observability collaborator a worker reports to.
// Implementations must never propagate failures back to the worker;
// they swallow them.
type LogSink interface {
	RecordSessionOpen(s *session.Session)
	RecordAPDU(sessionID string, ex session.APDUExchange)
	RecordSessionClose(s *session.Session, reason session.CloseReason)
}

// Script is the ordered set of C-APDUs a session issues to the peer.
type Script struct {
	Commands            []apdu.Command
	TargetedApplication []byte // hex-rendered into X-Admin-Targeted-Application when non-ISD
}

// ScriptProvider selects the script to run against a newly opened
// session. The default provider issues a single SELECT against the
// card engine's ISD AID, matching the baseline happy-path scenario;
// callers with richer scenarios supply their own.
type ScriptProvider interface {
	Provide(s *session.Session) Script
}

// DefaultScriptProvider issues one SELECT command against isdAID.
type DefaultScriptProvider struct {
	ISDAID []byte
}

func (p DefaultScriptProvider) Provide(*session.Session) Script {
	return Script{Commands: []apdu.Command{
		{CLA: 0x00, INS: card.InsSelect, P1: 0x04, P2: 0x00, Data: p.ISDAID, Le: -1},
	}}
}

// Config configures an AdminServer.
type Config struct {
	Host             string
	Port             int
	MaxConnections   int
	WorkerPoolSize   int
	SessionTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	ShutdownGrace    time.Duration
	ResumptionWindow time.Duration

	EnableLegacyCiphers bool
	EnableNullCiphers   bool

	KeyStore       keystore.KeyStore
	CardEngine     card.CommandProcessor // test oracle: expected response for the command just issued
	ScriptProvider ScriptProvider
	LogSink        LogSink
	Bus            eventbus.Emitter
	Log            *logger.Logger

	// MismatchThreshold/MismatchWindow configure the high-error-rate
	// tracker; zero threshold disables tracking.
	MismatchThreshold int
	MismatchWindow    time.Duration
}

// ErrAlreadyRunning is returned by Start when called on a running server.
var ErrAlreadyRunning = errors.New("server: already running")

// AdminServer is the accept loop plus bounded worker pool serving PSK-TLS
// admin sessions.
type AdminServer struct {
	cfg Config

	mu       sync.Mutex
	listener net.Listener
	running  bool

	acceptSem chan struct{} // bounds max_connections
	workerSem chan struct{} // bounds concurrently processing workers
	wg        sync.WaitGroup

	closed    chan struct{}
	closeOnce sync.Once

	resumable sync.Map // next-uri -> *resumableSession, for sessions closed on IDLE_TIMEOUT within the resumption window
	mismatch  *session.MismatchTracker
}

// resumableSession is what a Closing(IDLE_TIMEOUT) session leaves behind so
// a later X-Admin-Resume POST at the same next-URI can pick it back up.
type resumableSession struct {
	sess      *session.Session
	script    Script
	cursor    int
	expiresAt time.Time
}

// New returns a ready, not-yet-started AdminServer.
func New(cfg Config) *AdminServer {
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = cfg.MaxConnections
	}
	s := &AdminServer{
		cfg:       cfg,
		acceptSem: make(chan struct{}, cfg.MaxConnections),
		workerSem: make(chan struct{}, cfg.WorkerPoolSize),
		closed:    make(chan struct{}),
	}
	if cfg.MismatchThreshold > 0 {
		window := cfg.MismatchWindow
		if window <= 0 {
			window = time.Minute
		}
		s.mismatch = session.NewMismatchTracker(window, cfg.MismatchThreshold)
	}
	if s.mismatch != nil && cfg.Bus != nil {
		cfg.Bus.Subscribe([]eventbus.Kind{eventbus.KindPSKMismatch}, s.onPSKMismatch)
	}
	return s
}

// onPSKMismatch feeds a PSK-identity lookup failure reported by
// tlstransport.Accept into the mismatch tracker, keyed by the connecting
// peer's address since no session exists yet at handshake time.
func (s *AdminServer) onPSKMismatch(evt eventbus.Event) {
	peerAddr, _ := evt.Payload["peer_addr"].(string)
	if peerAddr == "" {
		return
	}
	if s.mismatch.Record(peerAddr, time.Now()) {
		s.emit(eventbus.KindHighErrorRate, "", map[string]any{"peer_addr": peerAddr})
	}
}

// Start binds the listener and begins accepting connections. It returns
// once the listener is bound; the accept loop runs in the background.
func (s *AdminServer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	s.emit(eventbus.KindServerStarted, "", map[string]any{"addr": addr})
	go s.acceptLoop()
	return nil
}

func (s *AdminServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				if s.cfg.Log != nil {
					s.cfg.Log.Warn("accept failed", "error", err.Error())
				}
				return
			}
		}

		select {
		case s.acceptSem <- struct{}{}:
		default:
			// max_connections reached: reject immediately rather than
			// queue, per the backpressure policy.
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.acceptSem }()
			s.handleConnection(conn)
		}()
	}
}

func (s *AdminServer) handleConnection(conn net.Conn) {
	select {
	case s.workerSem <- struct{}{}:
		defer func() { <-s.workerSem }()
	case <-s.closed:
		conn.Close()
		return
	}

	defer conn.Close()

	tlsCfg := tlstransport.Config{
		KeyStore:          s.cfg.KeyStore,
		EnableLegacy:      s.cfg.EnableLegacyCiphers,
		EnableNullCiphers: s.cfg.EnableNullCiphers,
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
	}

	secured, err := tlstransport.Accept(conn, tlsCfg, s.cfg.Bus)
	if err != nil {
		return // handshake_failed (and psk_mismatch, if applicable) already emitted by tlstransport
	}
	defer secured.Close()

	if err := secured.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return
	}
	first, err := httpenvelope.DecodeRequest(secured)
	if err != nil {
		return
	}

	if first.Resume {
		s.handleResume(secured, first)
		return
	}

	sess := session.New(secured.Info().PSKIdentity, secured.RemoteAddr().String())
	sess.NegotiatedCipher = string(secured.Info().Suite)
	sess.TLSVersion = secured.Info().TLSVersion
	_ = sess.BeginHandshake()
	_ = sess.CompleteHandshake(string(secured.Info().Suite), secured.Info().TLSVersion)

	s.emit(eventbus.KindSessionStarted, sess.ID, map[string]any{"psk_identity": sess.PSKIdentity})
	if s.cfg.LogSink != nil {
		s.cfg.LogSink.RecordSessionOpen(sess)
	}

	script := Script{}
	if s.cfg.ScriptProvider != nil {
		script = s.cfg.ScriptProvider.Provide(sess)
	}

	reason := s.driveScript(secured, sess, script, 0, nil)
	s.finishSession(secured, sess, reason)
}

// handleResume looks up the next-URI a client is trying to resume against.
// A hit restores the session and script cursor and continues the driving
// loop from where it left off; a miss (unknown URI, or one that expired or
// was never suspended) gets a 404 and the connection is closed.
func (s *AdminServer) handleResume(conn *tlstransport.Conn, first httpenvelope.Request) {
	entry, ok := s.takeResumable(first.Path)
	if !ok {
		s.writeResponse(conn, httpenvelope.Response{StatusCode: 404})
		return
	}

	sess := entry.sess
	s.emit(eventbus.KindSessionStarted, sess.ID, map[string]any{"psk_identity": sess.PSKIdentity, "resumed": true})

	reason := s.driveScript(conn, sess, entry.script, entry.cursor, &first)
	s.finishSession(conn, sess, reason)
}

func (s *AdminServer) finishSession(conn *tlstransport.Conn, sess *session.Session, reason session.CloseReason) {
	// An idle-timed-out session parked by registerResumable keeps its
	// AwaitingResponse state so a resumed connection can accept the
	// response at its next URI.
	if reason != session.CloseReasonIdleTimeout || s.cfg.ResumptionWindow <= 0 {
		_ = sess.BeginClosing(reason)
		_ = sess.Close()
	}
	s.emit(eventbus.KindSessionEnded, sess.ID, map[string]any{"reason": reason.String()})
	if s.cfg.LogSink != nil {
		s.cfg.LogSink.RecordSessionClose(sess, reason)
	}
}

// registerResumable suspends sess for later resumption: the client is
// expected to reconnect and POST to uri with X-Admin-Resume: true within
// ResumptionWindow, carrying the response it was about to send.
func (s *AdminServer) registerResumable(sess *session.Session, script Script, cursor int, uri string) {
	if s.cfg.ResumptionWindow <= 0 {
		return
	}
	s.resumable.Store(uri, &resumableSession{
		sess:      sess,
		script:    script,
		cursor:    cursor,
		expiresAt: time.Now().Add(s.cfg.ResumptionWindow),
	})
}

// takeResumable pops a resumable entry for uri, discarding (and reporting a
// miss for) anything past its expiry.
func (s *AdminServer) takeResumable(uri string) (*resumableSession, bool) {
	v, ok := s.resumable.LoadAndDelete(uri)
	if !ok {
		return nil, false
	}
	entry := v.(*resumableSession)
	if time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry, true
}

// driveScript issues script commands and processes the client's responses
// until the script completes or the session is closed for some other
// reason. When resumedReq is non-nil, the first iteration skips issuing a
// new command and instead processes resumedReq as the response to the
// command already at script.Commands[cursor] (the one in flight when the
// session was suspended).
func (s *AdminServer) driveScript(conn *tlstransport.Conn, sess *session.Session, script Script, cursor int, resumedReq *httpenvelope.Request) session.CloseReason {
	basePath := "/session/" + sess.ID

	for {
		if cursor >= len(script.Commands) {
			s.writeResponse(conn, httpenvelope.Response{StatusCode: 204})
			return session.CloseReasonCompleted
		}

		cmd := script.Commands[cursor]

		var uri string
		var req httpenvelope.Request
		if resumedReq != nil {
			req = *resumedReq
			uri = req.Path
			resumedReq = nil
		} else {
			raw, err := apdu.Encode(cmd)
			if err != nil {
				return session.CloseReasonProtocolError
			}
			sess.AppendCommand(raw)
			s.emit(eventbus.KindAPDUCommand, sess.ID, map[string]any{"raw": raw})
			if s.cfg.Log != nil {
				s.cfg.Log.APDU(sess.ID, "command", raw, nil, nil)
			}

			nextURI, err := sess.NextScriptURI(basePath)
			if err != nil {
				return session.CloseReasonProtocolError
			}
			uri = nextURI

			resp := httpenvelope.Response{StatusCode: 200, NextURI: uri, Body: raw}
			if len(script.TargetedApplication) > 0 {
				resp.TargetedApplication = fmt.Sprintf("%X", script.TargetedApplication)
			}
			s.writeResponse(conn, resp)

			if !sess.Idle(s.cfg.SessionTimeout, time.Now()) {
				_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SessionTimeout))
			}
			gotReq, err := httpenvelope.DecodeRequest(conn)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					s.registerResumable(sess, script, cursor, uri)
					return session.CloseReasonIdleTimeout
				}
				return session.CloseReasonInterrupted
			}
			req = gotReq
		}

		if req.Path != uri {
			return session.CloseReasonProtocolError
		}
		if err := sess.AcceptResponseAt(uri); err != nil {
			return session.CloseReasonProtocolError
		}

		if reason, abort := s.recordScriptResponse(sess, req); abort {
			s.writeResponse(conn, httpenvelope.Response{StatusCode: 204})
			return reason
		}

		data, sw1, sw2, err := apdu.DecodeResponse(req.Body)
		if err != nil {
			return session.CloseReasonProtocolError
		}
		sess.AppendResponse(data, sw1, sw2, 0)
		s.emit(eventbus.KindAPDUResponse, sess.ID, map[string]any{"sw1": sw1, "sw2": sw2})
		if s.cfg.Log != nil {
			s.cfg.Log.APDU(sess.ID, "response", data, &sw1, &sw2)
		}
		if s.cfg.LogSink != nil {
			s.cfg.LogSink.RecordAPDU(sess.ID, sess.APDULog[len(sess.APDULog)-1])
		}
		s.checkOracle(sess, cmd, apdu.SW{SW1: sw1, SW2: sw2})

		cursor++
	}
}

// recordScriptResponse classifies a non-ok X-Admin-Script-Status and, when
// it aborts the script, records the APDU payload (if any) and feeds the
// mismatch tracker — script-status failures are tracked here alongside
// PSK-identity mismatches, the two conditions the tracker watches.
func (s *AdminServer) recordScriptResponse(sess *session.Session, req httpenvelope.Request) (session.CloseReason, bool) {
	if !req.HasScriptStatus {
		return session.CloseReasonNone, false
	}
	reason, abort := session.ClassifyScriptStatus(req.ScriptStatus)
	if !abort {
		return reason, false
	}
	data, sw1, sw2, decodeErr := apdu.DecodeResponse(req.Body)
	if decodeErr == nil {
		sess.AppendResponse(data, sw1, sw2, 0)
		s.emit(eventbus.KindAPDUResponse, sess.ID, map[string]any{"sw1": sw1, "sw2": sw2})
	}
	if s.mismatch != nil && s.mismatch.Record(sess.PeerAddr, time.Now()) {
		s.emit(eventbus.KindHighErrorRate, sess.ID, map[string]any{"peer_addr": sess.PeerAddr})
	}
	return reason, true
}

// checkOracle compares the peer's reported status word against the card
// engine's own answer for the same command. A mismatch here reflects the
// test harness's own expectation, not a PSK or script-status failure, so
// it is logged rather than fed into the mismatch tracker.
func (s *AdminServer) checkOracle(sess *session.Session, cmd apdu.Command, got apdu.SW) {
	if s.cfg.CardEngine == nil {
		return
	}
	_, want := s.cfg.CardEngine.Process(cmd)
	if want == got || s.cfg.Log == nil {
		return
	}
	s.cfg.Log.Warn("oracle mismatch", "session_id", sess.ID, "want", want.Hex(), "got", got.Hex())
}

func (s *AdminServer) writeResponse(conn *tlstransport.Conn, resp httpenvelope.Response) {
	_, _ = conn.Write(httpenvelope.EncodeResponse(resp))
}

func (s *AdminServer) emit(kind eventbus.Kind, sessionID string, payload map[string]any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Emit(kind, sessionID, payload)
	}
}

// Stop closes the listener and waits up to ShutdownGrace for in-flight
// workers to finish. Calling Stop twice has the same observable effect
// as calling it once.
func (s *AdminServer) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
	case <-ctx.Done():
	}
	s.emit(eventbus.KindServerStopped, "", nil)
	return nil
}

// ActiveSessions returns the number of connections currently admitted
// (holding an accept-semaphore permit).
func (s *AdminServer) ActiveSessions() int {
	return len(s.acceptSem)
}
