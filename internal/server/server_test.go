package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/cardlink/internal/apdu"
	"github.com/protei/cardlink/internal/card"
	"github.com/protei/cardlink/internal/eventbus"
	"github.com/protei/cardlink/internal/httpenvelope"
	"github.com/protei/cardlink/internal/keystore"
	"github.com/protei/cardlink/internal/tlstransport"
)

func startTestServer(t *testing.T, bus eventbus.Emitter) (*AdminServer, int, []byte) {
	t.Helper()
	isdAID := []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	ks := keystore.NewMemoryKeyStore()
	require.NoError(t, ks.Add(keystore.PSKRecord{Identity: "card-001", Key: key}))

	profile := card.Profile{ICCID: "8988211000000123456", ISDAID: isdAID}
	engine := card.New(profile)

	srv := New(Config{
		Host:             "127.0.0.1",
		Port:             0,
		MaxConnections:   10,
		WorkerPoolSize:   10,
		SessionTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      2 * time.Second,
		ShutdownGrace:    2 * time.Second,
		KeyStore:         ks,
		CardEngine:       engine,
		ScriptProvider:   DefaultScriptProvider{ISDAID: isdAID},
		Bus:              bus,
	})

	// Port 0 lets the OS pick a free port; the test reads the bound port
	// back from the listener.
	require.NoError(t, srv.Start())
	addr := srv.listener.Addr().(*net.TCPAddr)
	return srv, addr.Port, key
}

func TestAdminServer_HappyPathSingleSelect(t *testing.T) {
	bus := eventbus.New(nil)
	var kinds []eventbus.Kind
	bus.Subscribe(nil, func(e eventbus.Event) { kinds = append(kinds, e.Kind) })

	srv, port, key := startTestServer(t, bus)
	defer srv.Stop(context.Background())

	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer raw.Close()

	conn, err := tlstransport.Dial(raw, tlstransport.Config{
		Identity:         "card-001",
		PSK:              key,
		HandshakeTimeout: 2 * time.Second,
	}, bus)
	require.NoError(t, err)
	defer conn.Close()

	// Initial empty POST.
	_, err = conn.Write(httpenvelope.EncodeRequest(httpenvelope.Request{Path: "/", Body: nil}))
	require.NoError(t, err)

	resp, err := httpenvelope.DecodeResponse(conn)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.NotEmpty(t, resp.NextURI)

	parsed, err := apdu.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, byte(card.InsSelect), parsed.INS)

	// Reply with the SELECT success status.
	rApdu := apdu.EncodeResponse(nil, 0x90, 0x00)
	_, err = conn.Write(httpenvelope.EncodeRequest(httpenvelope.Request{
		Path:            resp.NextURI,
		HasScriptStatus: true,
		ScriptStatus:    httpenvelope.ScriptStatusOK,
		Body:            rApdu,
	}))
	require.NoError(t, err)

	final, err := httpenvelope.DecodeResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, 204, final.StatusCode)

	// The server emits session_ended after writing the final 204; give the
	// worker a moment to finish.
	time.Sleep(50 * time.Millisecond)

	assert.Contains(t, kinds, eventbus.KindSessionStarted)
	assert.Contains(t, kinds, eventbus.KindAPDUCommand)
	assert.Contains(t, kinds, eventbus.KindAPDUResponse)
	assert.Contains(t, kinds, eventbus.KindSessionEnded)
}

func TestAdminServer_UnknownIdentityRejected(t *testing.T) {
	bus := eventbus.New(nil)
	srv, port, _ := startTestServer(t, bus)
	defer srv.Stop(context.Background())

	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer raw.Close()

	_, err = tlstransport.Dial(raw, tlstransport.Config{
		Identity:         "ghost",
		PSK:              make([]byte, 16),
		HandshakeTimeout: 2 * time.Second,
	}, bus)
	assert.Error(t, err)
}

func TestAdminServer_StopTwiceIsIdempotent(t *testing.T) {
	srv, _, _ := startTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}

func TestAdminServer_RejectsBeyondMaxConnections(t *testing.T) {
	isdAID := []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}
	key := make([]byte, 16)
	ks := keystore.NewMemoryKeyStore()
	require.NoError(t, ks.Add(keystore.PSKRecord{Identity: "card-001", Key: key}))
	engine := card.New(card.Profile{ISDAID: isdAID})

	srv := New(Config{
		Host:             "127.0.0.1",
		MaxConnections:   1,
		WorkerPoolSize:   1,
		SessionTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      2 * time.Second,
		ShutdownGrace:    time.Second,
		KeyStore:         ks,
		CardEngine:       engine,
		ScriptProvider:   DefaultScriptProvider{ISDAID: isdAID},
	})
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())
	addr := srv.listener.Addr().(*net.TCPAddr)

	// Hold one slot open without completing a handshake.
	blocker, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(addr.Port)))
	require.NoError(t, err)
	defer blocker.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.ActiveSessions())

	// A second connection beyond max_connections is closed without being
	// admitted.
	extra, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(addr.Port)))
	require.NoError(t, err)
	defer extra.Close()
	require.NoError(t, extra.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = extra.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, srv.ActiveSessions())
}

func TestAdminServer_ResumptionAfterIdleTimeout(t *testing.T) {
	isdAID := []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	ks := keystore.NewMemoryKeyStore()
	require.NoError(t, ks.Add(keystore.PSKRecord{Identity: "card-001", Key: key}))
	engine := card.New(card.Profile{ISDAID: isdAID})
	bus := eventbus.New(nil)

	srv := New(Config{
		Host:             "127.0.0.1",
		MaxConnections:   10,
		WorkerPoolSize:   10,
		SessionTimeout:   150 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      2 * time.Second,
		ShutdownGrace:    time.Second,
		ResumptionWindow: 2 * time.Second,
		KeyStore:         ks,
		CardEngine:       engine,
		ScriptProvider:   DefaultScriptProvider{ISDAID: isdAID},
		Bus:              bus,
	})
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())
	addr := srv.listener.Addr().(*net.TCPAddr)

	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(addr.Port)))
	require.NoError(t, err)
	conn, err := tlstransport.Dial(raw, tlstransport.Config{
		Identity:         "card-001",
		PSK:              key,
		HandshakeTimeout: 2 * time.Second,
	}, bus)
	require.NoError(t, err)

	_, err = conn.Write(httpenvelope.EncodeRequest(httpenvelope.Request{Path: "/"}))
	require.NoError(t, err)
	resp, err := httpenvelope.DecodeResponse(conn)
	require.NoError(t, err)
	require.NotEmpty(t, resp.NextURI)
	nextURI := resp.NextURI

	// Stay idle past SessionTimeout without responding; the server's read
	// deadline fires, closing this connection with IDLE_TIMEOUT and
	// parking nextURI for resumption.
	time.Sleep(400 * time.Millisecond)
	conn.Close()
	raw.Close()

	raw2, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(addr.Port)))
	require.NoError(t, err)
	defer raw2.Close()
	conn2, err := tlstransport.Dial(raw2, tlstransport.Config{
		Identity:         "card-001",
		PSK:              key,
		HandshakeTimeout: 2 * time.Second,
	}, bus)
	require.NoError(t, err)
	defer conn2.Close()

	rApdu := apdu.EncodeResponse(nil, 0x90, 0x00)
	_, err = conn2.Write(httpenvelope.EncodeRequest(httpenvelope.Request{
		Path:            nextURI,
		Resume:          true,
		HasScriptStatus: true,
		ScriptStatus:    httpenvelope.ScriptStatusOK,
		Body:            rApdu,
	}))
	require.NoError(t, err)

	final, err := httpenvelope.DecodeResponse(conn2)
	require.NoError(t, err)
	assert.Equal(t, 204, final.StatusCode)
}

func TestAdminServer_ResumeUnknownURIReturns404(t *testing.T) {
	bus := eventbus.New(nil)
	srv, port, key := startTestServer(t, bus)
	defer srv.Stop(context.Background())

	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer raw.Close()
	conn, err := tlstransport.Dial(raw, tlstransport.Config{
		Identity:         "card-001",
		PSK:              key,
		HandshakeTimeout: 2 * time.Second,
	}, bus)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(httpenvelope.EncodeRequest(httpenvelope.Request{
		Path:   "/session/does-not-exist/step/1",
		Resume: true,
	}))
	require.NoError(t, err)

	resp, err := httpenvelope.DecodeResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestAdminServer_PSKMismatchFeedsHighErrorRate(t *testing.T) {
	isdAID := []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}
	key := make([]byte, 16)
	ks := keystore.NewMemoryKeyStore()
	require.NoError(t, ks.Add(keystore.PSKRecord{Identity: "card-001", Key: key}))
	engine := card.New(card.Profile{ISDAID: isdAID})
	bus := eventbus.New(nil)

	var kinds []eventbus.Kind
	bus.Subscribe(nil, func(e eventbus.Event) { kinds = append(kinds, e.Kind) })

	srv := New(Config{
		Host:              "127.0.0.1",
		MaxConnections:    10,
		WorkerPoolSize:    10,
		SessionTimeout:    2 * time.Second,
		HandshakeTimeout:  2 * time.Second,
		ReadTimeout:       2 * time.Second,
		ShutdownGrace:     time.Second,
		KeyStore:          ks,
		CardEngine:        engine,
		ScriptProvider:    DefaultScriptProvider{ISDAID: isdAID},
		Bus:               bus,
		MismatchThreshold: 1,
		MismatchWindow:    time.Minute,
	})
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())
	addr := srv.listener.Addr().(*net.TCPAddr)

	raw, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(addr.Port)))
	require.NoError(t, err)
	defer raw.Close()

	_, err = tlstransport.Dial(raw, tlstransport.Config{
		Identity:         "ghost",
		PSK:              make([]byte, 16),
		HandshakeTimeout: 2 * time.Second,
	}, bus)
	assert.Error(t, err)

	// The server-side emit races the client's own error return across the
	// socket; give the accept goroutine a moment to finish.
	time.Sleep(50 * time.Millisecond)

	assert.Contains(t, kinds, eventbus.KindPSKMismatch)
	assert.Contains(t, kinds, eventbus.KindHighErrorRate)
}

func itoa(n int) string {
	var buf bytes.Buffer
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	for i := len(digits) - 1; i >= 0; i-- {
		buf.WriteByte(digits[i])
	}
	return buf.String()
}
