package tlstransport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/cardlink/internal/eventbus"
	"github.com/protei/cardlink/internal/keystore"
)

func dialAndAccept(t *testing.T, clientCfg, serverCfg Config) (*Conn, *Conn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()

	type result struct {
		conn *Conn
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		c, err := Dial(clientRaw, clientCfg, nil)
		clientCh <- result{c, err}
	}()
	go func() {
		c, err := Accept(serverRaw, serverCfg, nil)
		serverCh <- result{c, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	return cr.conn, sr.conn
}

func baseConfigs(t *testing.T) (Config, Config) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i + 1)
	}
	ks := keystore.NewMemoryKeyStore()
	require.NoError(t, ks.Add(keystore.PSKRecord{Identity: "card-001", Key: key}))

	client := Config{Identity: "card-001", PSK: key, HandshakeTimeout: 2 * time.Second}
	server := Config{KeyStore: ks, HandshakeTimeout: 2 * time.Second}
	return client, server
}

func TestHandshake_Succeeds(t *testing.T) {
	client, server := baseConfigs(t)
	clientConn, serverConn := dialAndAccept(t, client, server)
	require.NotNil(t, clientConn)
	require.NotNil(t, serverConn)
	defer clientConn.Close()
	defer serverConn.Close()

	assert.Equal(t, clientConn.Info().Suite, serverConn.Info().Suite)
	assert.Equal(t, "card-001", serverConn.Info().PSKIdentity)
}

func TestHandshake_UnknownIdentityFails(t *testing.T) {
	_, server := baseConfigs(t)
	client := Config{Identity: "ghost", PSK: make([]byte, 16), HandshakeTimeout: 2 * time.Second}

	clientRaw, serverRaw := net.Pipe()
	type result struct {
		conn *Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := Accept(serverRaw, server, nil)
		serverCh <- result{c, err}
	}()

	_, dialErr := Dial(clientRaw, client, nil)
	sr := <-serverCh

	assert.Error(t, dialErr)
	assert.ErrorIs(t, sr.err, ErrPSKIdentityUnknown)
}

func TestConn_ReadWriteRoundTrip(t *testing.T) {
	client, server := baseConfigs(t)
	clientConn, serverConn := dialAndAccept(t, client, server)
	defer clientConn.Close()
	defer serverConn.Close()

	payload := []byte("GP Admin envelope payload")
	done := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(payload)
		done <- err
	}()

	buf := make([]byte, len(payload))
	_, err := fullRead(serverConn, buf)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, payload, buf)
}

func TestConn_MaxFragmentLengthSplitsLargePayload(t *testing.T) {
	key := make([]byte, 16)
	ks := keystore.NewMemoryKeyStore()
	require.NoError(t, ks.Add(keystore.PSKRecord{Identity: "card-001", Key: key}))

	client := Config{Identity: "card-001", PSK: key, HandshakeTimeout: 2 * time.Second, RequestedMaxFragment: 512}
	server := Config{KeyStore: ks, HandshakeTimeout: 2 * time.Second}

	clientConn, serverConn := dialAndAccept(t, client, server)
	defer clientConn.Close()
	defer serverConn.Close()

	assert.Equal(t, 512, clientConn.Info().MaxFragment)
	assert.Equal(t, 512, serverConn.Info().MaxFragment)

	payload := make([]byte, 1800)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(payload)
		done <- err
	}()

	buf := make([]byte, len(payload))
	_, err := fullRead(serverConn, buf)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, payload, buf)
}

func TestHandshake_EmitsProgressEvents(t *testing.T) {
	client, server := baseConfigs(t)
	bus := eventbus.New(nil)

	var kinds []eventbus.Kind
	done := make(chan struct{})
	bus.Subscribe(nil, func(e eventbus.Event) {
		kinds = append(kinds, e.Kind)
		if len(kinds) == 3 {
			close(done)
		}
	})

	clientRaw, serverRaw := net.Pipe()
	go Dial(clientRaw, client, nil)
	go func() {
		c, err := Accept(serverRaw, server, bus)
		if err == nil {
			defer c.Close()
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake progress events were not all observed")
	}

	assert.Contains(t, kinds, eventbus.KindHandshakeStarted)
	assert.Contains(t, kinds, eventbus.KindHandshakeCipherChosen)
	assert.Contains(t, kinds, eventbus.KindHandshakeCompleted)
}

func fullRead(c *Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := c.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			break
		}
	}
	return read, nil
}
