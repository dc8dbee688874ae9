package simulator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/protei/cardlink/internal/apdu"
	"github.com/protei/cardlink/internal/card"
	"github.com/protei/cardlink/internal/httpenvelope"
	"github.com/protei/cardlink/internal/keystore"
	"github.com/protei/cardlink/internal/tlstransport"
)

// runFakeAdminServer accepts a single connection, completes the PSK
// handshake, and drives one SELECT against the peer before closing the
// session. It stands in for the real AdminServer so this package's tests
// do not depend on internal/server.
func runFakeAdminServer(t *testing.T, ln net.Listener, isdAID []byte, ks keystore.KeyStore) {
	t.Helper()
	raw, err := ln.Accept()
	require.NoError(t, err)
	defer raw.Close()

	conn, err := tlstransport.Accept(raw, tlstransport.Config{KeyStore: ks, HandshakeTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = httpenvelope.DecodeRequest(conn)
	require.NoError(t, err)

	cmd := apdu.Command{CLA: 0x00, INS: card.InsSelect, P1: 0x04, P2: 0x00, Data: isdAID, Le: -1}
	raw2, err := apdu.Encode(cmd)
	require.NoError(t, err)

	_, err = conn.Write(httpenvelope.EncodeResponse(httpenvelope.Response{
		StatusCode: 200,
		NextURI:    "/session/1/step/1",
		Body:       raw2,
	}))
	require.NoError(t, err)

	req, err := httpenvelope.DecodeRequest(conn)
	require.NoError(t, err)
	require.Equal(t, "/session/1/step/1", req.Path)

	_, err = conn.Write(httpenvelope.EncodeResponse(httpenvelope.Response{StatusCode: 204}))
	require.NoError(t, err)
}

func testProfile(isdAIDHex string) UICCProfile {
	return UICCProfile{ICCID: "8988211000000123456", ISDAID: isdAIDHex}
}

func TestMobileSimulator_RunCompleteSessionSucceeds(t *testing.T) {
	isdAID := []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}
	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	ks := keystore.NewMemoryKeyStore()
	require.NoError(t, ks.Add(keystore.PSKRecord{Identity: "card-001", Key: key}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeAdminServer(t, ln, isdAID, ks)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cfg := Config{
		ServerHost:     "127.0.0.1",
		ServerPort:     addr.Port,
		PSKIdentity:    "card-001",
		PSKKey:         key,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		Behavior:       BehaviorConfig{Mode: ModeNormal},
	}
	require.NoError(t, cfg.Validate())

	sim, err := New(cfg, testProfile("A000000003000000"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := sim.RunCompleteSession(ctx)

	<-done
	require.NoError(t, result.Err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.APDUCount)
	require.Equal(t, apdu.SW{SW1: 0x90, SW2: 0x00}, result.FinalSW)

	snap := sim.Statistics()
	require.Equal(t, uint64(1), snap.TotalAPDUsSent)
	require.Equal(t, uint64(1), snap.TotalAPDUsReceived)
}

func TestMobileSimulator_ErrorModeInjectsOverride(t *testing.T) {
	isdAID := []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}
	key := make([]byte, 16)
	ks := keystore.NewMemoryKeyStore()
	require.NoError(t, ks.Add(keystore.PSKRecord{Identity: "card-001", Key: key}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeAdminServer(t, ln, isdAID, ks)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cfg := Config{
		ServerHost:     "127.0.0.1",
		ServerPort:     addr.Port,
		PSKIdentity:    "card-001",
		PSKKey:         key,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		Behavior:       BehaviorConfig{Mode: ModeError, ErrorRate: 1, ErrorCodes: []string{"6A82"}},
	}
	sim, err := New(cfg, testProfile("A000000003000000"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := sim.RunCompleteSession(ctx)
	<-done

	require.NoError(t, result.Err)
	require.Equal(t, apdu.SW{SW1: 0x6A, SW2: 0x82}, result.FinalSW)
}

func TestMobileSimulator_ConnectFailsWithoutRetryReturnsQuickly(t *testing.T) {
	cfg := Config{
		ServerHost:     "127.0.0.1",
		ServerPort:     1, // nothing listens on a privileged port in test environments
		PSKIdentity:    "card-001",
		PSKKey:         make([]byte, 16),
		ConnectTimeout: 200 * time.Millisecond,
		RetryCount:     0,
	}
	sim, err := New(cfg, testProfile("A000000003000000"), nil)
	require.NoError(t, err)

	result := sim.RunCompleteSession(context.Background())
	require.Error(t, result.Err)
	require.False(t, result.Success)
}
