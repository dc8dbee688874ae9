package tlstransport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/protei/cardlink/internal/eventbus"
)

func writeFrame(w io.Writer, kind byte, body []byte) error {
	header := make([]byte, 3)
	header[0] = kind
	binary.BigEndian.PutUint16(header[1:], uint16(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(header[1:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header[0], body, nil
}

func encodeString(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return b
}

func decodeString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("tlstransport: %w: truncated string", ErrHandshakeFailed)
	}
	n := binary.BigEndian.Uint16(b)
	if len(b) < int(2+n) {
		return "", nil, fmt.Errorf("tlstransport: %w: truncated string body", ErrHandshakeFailed)
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

type clientHello struct {
	identity     string
	suites       []Suite
	maxFragment  int
	clientRandom []byte
}

func encodeClientHello(h clientHello) []byte {
	var body []byte
	body = append(body, encodeString(h.identity)...)
	body = append(body, byte(len(h.suites)))
	for _, s := range h.suites {
		body = append(body, encodeString(string(s))...)
	}
	mf := make([]byte, 2)
	binary.BigEndian.PutUint16(mf, uint16(h.maxFragment))
	body = append(body, mf...)
	body = append(body, h.clientRandom...)
	return body
}

func decodeClientHello(b []byte) (clientHello, error) {
	var h clientHello
	identity, rest, err := decodeString(b)
	if err != nil {
		return h, err
	}
	h.identity = identity

	if len(rest) < 1 {
		return h, fmt.Errorf("tlstransport: %w: missing suite count", ErrHandshakeFailed)
	}
	count := int(rest[0])
	rest = rest[1:]
	for i := 0; i < count; i++ {
		var suite string
		suite, rest, err = decodeString(rest)
		if err != nil {
			return h, err
		}
		h.suites = append(h.suites, Suite(suite))
	}

	if len(rest) < 2+randomSize {
		return h, fmt.Errorf("tlstransport: %w: truncated client hello tail", ErrHandshakeFailed)
	}
	h.maxFragment = int(binary.BigEndian.Uint16(rest))
	h.clientRandom = rest[2 : 2+randomSize]
	return h, nil
}

type serverHello struct {
	suite        Suite
	maxFragment  int
	serverRandom []byte
}

func encodeServerHello(h serverHello) []byte {
	var body []byte
	body = append(body, encodeString(string(h.suite))...)
	mf := make([]byte, 2)
	binary.BigEndian.PutUint16(mf, uint16(h.maxFragment))
	body = append(body, mf...)
	body = append(body, h.serverRandom...)
	return body
}

func decodeServerHello(b []byte) (serverHello, error) {
	var h serverHello
	suite, rest, err := decodeString(b)
	if err != nil {
		return h, err
	}
	h.suite = Suite(suite)
	if len(rest) < 2+randomSize {
		return h, fmt.Errorf("tlstransport: %w: truncated server hello tail", ErrHandshakeFailed)
	}
	h.maxFragment = int(binary.BigEndian.Uint16(rest))
	h.serverRandom = rest[2 : 2+randomSize]
	return h, nil
}

// Dial performs the client side of the PSK handshake over conn and
// returns a ready Conn. bus, when non-nil, receives handshake progress
// events.
func Dial(conn net.Conn, cfg Config, bus eventbus.Emitter) (*Conn, error) {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	emit(bus, eventbus.KindHandshakeStarted, "", nil)

	clientRandom, err := randomBytes(randomSize)
	if err != nil {
		return nil, fmt.Errorf("tlstransport: %w: generating client random: %v", ErrHandshakeFailed, err)
	}

	hello := clientHello{
		identity:     cfg.Identity,
		suites:       enabledSuites(cfg.EnableLegacy, cfg.EnableNullCiphers),
		maxFragment:  cfg.RequestedMaxFragment,
		clientRandom: clientRandom,
	}
	if err := writeFrame(conn, msgClientHello, encodeClientHello(hello)); err != nil {
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": err.Error()})
		return nil, fmt.Errorf("tlstransport: %w: sending client hello: %v", ErrHandshakeFailed, err)
	}

	kind, body, err := readFrame(conn)
	if err != nil {
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": err.Error()})
		return nil, fmt.Errorf("tlstransport: %w: reading server reply: %v", ErrHandshakeFailed, err)
	}
	if kind == msgAlert {
		reason := string(body)
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": reason})
		return nil, fmt.Errorf("tlstransport: %w: %s", ErrHandshakeFailed, reason)
	}
	if kind != msgServerHello {
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": "unexpected message kind"})
		return nil, fmt.Errorf("tlstransport: %w: unexpected message kind %d", ErrHandshakeFailed, kind)
	}

	sh, err := decodeServerHello(body)
	if err != nil {
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": err.Error()})
		return nil, err
	}
	emit(bus, eventbus.KindHandshakeCipherChosen, "", map[string]any{"suite": string(sh.suite)})

	aead, writeSalt, readSalt, err := deriveAEAD(sh.suite, cfg.PSK, clientRandom, sh.serverRandom)
	if err != nil {
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": err.Error()})
		return nil, fmt.Errorf("tlstransport: %w: deriving keys: %v", ErrHandshakeFailed, err)
	}

	c := &Conn{
		raw:         conn,
		aead:        aead,
		writeSalt:   writeSalt,
		readSalt:    readSalt,
		maxFragment: resolveMaxFragment(sh.maxFragment),
		info: HandshakeInfo{
			Suite:       sh.suite,
			PSKIdentity: cfg.Identity,
			TLSVersion:  "1.2",
			MaxFragment: resolveMaxFragment(sh.maxFragment),
		},
	}
	emit(bus, eventbus.KindHandshakeCompleted, "", map[string]any{
		"tls_version":  c.info.TLSVersion,
		"cipher":       string(sh.suite),
		"psk_identity": cfg.Identity,
	})
	return c, nil
}

// Accept performs the server side of the PSK handshake over conn.
func Accept(conn net.Conn, cfg Config, bus eventbus.Emitter) (*Conn, error) {
	if cfg.HandshakeTimeout > 0 {
		deadline := time.Now().Add(cfg.HandshakeTimeout)
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	emit(bus, eventbus.KindHandshakeStarted, "", nil)

	kind, body, err := readFrame(conn)
	if err != nil {
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": err.Error()})
		return nil, fmt.Errorf("tlstransport: %w: reading client hello: %v", ErrHandshakeFailed, err)
	}
	if kind != msgClientHello {
		_ = writeFrame(conn, msgAlert, []byte("unexpected message kind"))
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": "unexpected message kind"})
		return nil, fmt.Errorf("tlstransport: %w: unexpected message kind %d", ErrHandshakeFailed, kind)
	}
	ch, err := decodeClientHello(body)
	if err != nil {
		_ = writeFrame(conn, msgAlert, []byte(err.Error()))
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": err.Error()})
		return nil, err
	}

	record, err := cfg.KeyStore.Lookup(ch.identity)
	if err != nil {
		_ = writeFrame(conn, msgAlert, []byte("psk identity unknown"))
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": "psk_identity_unknown"})
		emitPSKMismatch(bus, conn, ch.identity)
		return nil, fmt.Errorf("tlstransport: %w: %w: identity %q: %v", ErrHandshakeFailed, ErrPSKIdentityUnknown, ch.identity, err)
	}
	if record.Expired(time.Now()) {
		_ = writeFrame(conn, msgAlert, []byte("psk identity expired"))
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": "psk_identity_unknown"})
		emitPSKMismatch(bus, conn, ch.identity)
		return nil, fmt.Errorf("tlstransport: %w: %w: identity %q expired", ErrHandshakeFailed, ErrPSKIdentityUnknown, ch.identity)
	}

	suite, err := negotiate(enabledSuites(cfg.EnableLegacy, cfg.EnableNullCiphers), ch.suites)
	if err != nil {
		_ = writeFrame(conn, msgAlert, []byte(err.Error()))
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": err.Error()})
		return nil, err
	}
	emit(bus, eventbus.KindHandshakeCipherChosen, "", map[string]any{"suite": string(suite)})

	serverRandom, err := randomBytes(randomSize)
	if err != nil {
		return nil, fmt.Errorf("tlstransport: %w: generating server random: %v", ErrHandshakeFailed, err)
	}

	maxFragment := resolveMaxFragment(ch.maxFragment)
	sh := serverHello{suite: suite, maxFragment: maxFragment, serverRandom: serverRandom}
	if err := writeFrame(conn, msgServerHello, encodeServerHello(sh)); err != nil {
		return nil, fmt.Errorf("tlstransport: %w: sending server hello: %v", ErrHandshakeFailed, err)
	}

	aead, readSalt, writeSalt, err := deriveAEAD(suite, record.Key, ch.clientRandom, serverRandom)
	if err != nil {
		emit(bus, eventbus.KindHandshakeFailed, "", map[string]any{"reason": err.Error()})
		return nil, fmt.Errorf("tlstransport: %w: deriving keys: %v", ErrHandshakeFailed, err)
	}

	c := &Conn{
		raw:         conn,
		aead:        aead,
		writeSalt:   writeSalt,
		readSalt:    readSalt,
		maxFragment: maxFragment,
		info: HandshakeInfo{
			Suite:       suite,
			PSKIdentity: ch.identity,
			TLSVersion:  "1.2",
			MaxFragment: maxFragment,
		},
	}
	emit(bus, eventbus.KindHandshakeCompleted, "", map[string]any{
		"tls_version":  c.info.TLSVersion,
		"cipher":       string(suite),
		"psk_identity": ch.identity,
	})
	return c, nil
}

func emit(bus eventbus.Emitter, kind eventbus.Kind, sessionID string, payload map[string]any) {
	if bus == nil {
		return
	}
	bus.Emit(kind, sessionID, payload)
}

// emitPSKMismatch reports a PSK-identity lookup failure as its own event,
// carrying the peer address so a session-level MismatchTracker can be fed
// without tlstransport holding a reference to one.
func emitPSKMismatch(bus eventbus.Emitter, conn net.Conn, identity string) {
	emit(bus, eventbus.KindPSKMismatch, "", map[string]any{
		"peer_addr":    conn.RemoteAddr().String(),
		"psk_identity": identity,
	})
}
