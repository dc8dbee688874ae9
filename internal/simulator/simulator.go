// Package simulator implements the Mobile Simulator: a PSK-TLS client
// that dials an Admin Server, answers its scripted commands against an
// in-process virtual UICC, and optionally misbehaves (error injection,
// timeouts, added latency) to exercise the server's fault handling.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/protei/cardlink/internal/apdu"
	"github.com/protei/cardlink/internal/card"
	"github.com/protei/cardlink/internal/eventbus"
	"github.com/protei/cardlink/internal/httpenvelope"
	"github.com/protei/cardlink/internal/tlstransport"
)

// ErrSessionFailed wraps any error that aborts a session before a normal
// completion (204) or script-abort is reached.
var ErrSessionFailed = errors.New("simulator: session failed")

// Exchange records one command/response pair observed during a session,
// for result reporting.
type Exchange struct {
	Description string
	Command     []byte
	SW          apdu.SW
}

// SessionResult summarizes one run of RunCompleteSession.
type SessionResult struct {
	Success   bool
	APDUCount int
	Duration  time.Duration
	FinalSW   apdu.SW
	Err       error
	Exchanges []Exchange
}

// MobileSimulator is a single reusable client: one virtual UICC, one
// behavior controller, and shared statistics across however many sessions
// are run against it.
type MobileSimulator struct {
	cfg      Config
	engine   *card.Engine
	behavior *BehaviorController
	stats    *Statistics
	bus      *eventbus.Bus
}

// New returns a simulator presenting profile and driven by cfg.Behavior.
func New(cfg Config, profile UICCProfile, bus *eventbus.Bus) (*MobileSimulator, error) {
	cardProfile, err := profile.ToCardProfile()
	if err != nil {
		return nil, err
	}
	engine := card.New(cardProfile)
	behavior := NewBehaviorController(cfg.Behavior)
	engine.SetBehaviorController(behavior)

	return &MobileSimulator{
		cfg:      cfg,
		engine:   engine,
		behavior: behavior,
		stats:    &Statistics{},
		bus:      bus,
	}, nil
}

// Statistics returns the simulator's running counters.
func (m *MobileSimulator) Statistics() StatisticsSnapshot { return m.stats.Snapshot() }

// connect dials the server with retry/backoff and completes the PSK
// handshake.
func (m *MobileSimulator) connect(ctx context.Context) (*tlstransport.Conn, error) {
	var lastErr error
	attempts := m.cfg.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := m.cfg.Backoff(attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		dialer := net.Dialer{Timeout: m.cfg.ConnectTimeout}
		raw, err := dialer.DialContext(ctx, "tcp", m.cfg.ServerAddress())
		if err != nil {
			lastErr = err
			continue
		}

		var bus eventbus.Emitter
		if m.bus != nil {
			bus = m.bus
		}
		conn, err := tlstransport.Dial(raw, tlstransport.Config{
			Identity:             m.cfg.PSKIdentity,
			PSK:                  m.cfg.PSKKey,
			EnableLegacy:         m.cfg.EnableLegacyCiphers,
			EnableNullCiphers:    m.cfg.EnableNullCiphers,
			RequestedMaxFragment: m.cfg.RequestedMaxFragment,
			HandshakeTimeout:     m.cfg.ConnectTimeout,
		}, bus)
		if err != nil {
			raw.Close()
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("simulator: dial %s: %w", m.cfg.ServerAddress(), lastErr)
}

// RunCompleteSession dials the server, answers every command it issues
// against the in-process card engine (subject to the configured behavior
// controller), and returns once the server signals completion (204) or
// the exchange otherwise ends.
func (m *MobileSimulator) RunCompleteSession(ctx context.Context) SessionResult {
	start := time.Now()
	result := SessionResult{}

	conn, err := m.connect(ctx)
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", ErrSessionFailed, err)
		result.Duration = time.Since(start)
		return result
	}
	defer conn.Close()

	if err := m.sendInitialPost(conn); err != nil {
		result.Err = fmt.Errorf("%w: initial post: %v", ErrSessionFailed, err)
		result.Duration = time.Since(start)
		return result
	}

	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		} else if m.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}

		resp, err := httpenvelope.DecodeResponse(conn)
		if err != nil {
			result.Err = fmt.Errorf("%w: decoding response: %v", ErrSessionFailed, err)
			result.Duration = time.Since(start)
			return result
		}

		if resp.StatusCode == 204 {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}

		parsed, err := apdu.Decode(resp.Body)
		if err != nil {
			result.Err = fmt.Errorf("%w: decoding command: %v", ErrSessionFailed, err)
			result.Duration = time.Since(start)
			return result
		}

		m.behavior.ApplyDelay(ctx)

		respStart := time.Now()
		data, sw := m.engine.Process(parsed.Command)
		m.stats.RecordReceived(time.Since(respStart))

		result.APDUCount++
		result.FinalSW = sw
		result.Exchanges = append(result.Exchanges, Exchange{
			Description: fmt.Sprintf("INS=%02X", parsed.INS),
			Command:     resp.Body,
			SW:          sw,
		})

		rApdu := apdu.EncodeResponse(data, sw.SW1, sw.SW2)
		m.stats.RecordSent()

		status := httpenvelope.ScriptStatusOK
		if !sw.Success() {
			status = httpenvelope.ScriptStatusSecurityError
		}
		req := httpenvelope.Request{
			Path:            resp.NextURI,
			From:            m.cfg.PSKIdentity,
			HasScriptStatus: true,
			ScriptStatus:    status,
			Body:            rApdu,
		}
		if _, err := conn.Write(httpenvelope.EncodeRequest(req)); err != nil {
			result.Err = fmt.Errorf("%w: writing response: %v", ErrSessionFailed, err)
			result.Duration = time.Since(start)
			return result
		}
	}
}

func (m *MobileSimulator) sendInitialPost(conn *tlstransport.Conn) error {
	req := httpenvelope.Request{Path: "/", From: m.cfg.PSKIdentity}
	_, err := conn.Write(httpenvelope.EncodeRequest(req))
	return err
}
