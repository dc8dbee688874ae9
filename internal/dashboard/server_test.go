package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/cardlink/internal/dashboard/auth"
	"github.com/protei/cardlink/internal/eventbus"
	"github.com/protei/cardlink/internal/repository"
	"github.com/protei/cardlink/internal/session"
)

func startTestDashboard(t *testing.T, bus eventbus.Emitter) (*Server, *auth.Service, *repository.MemoryRepository) {
	t.Helper()

	authSvc := auth.NewService(auth.Config{JWTSecret: "test-secret", TokenExpiry: time.Minute})
	require.NoError(t, authSvc.RegisterUser("viewer", "password123", auth.RoleViewer))

	repo := repository.NewMemoryRepository()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	srv := New(Config{
		Port:            port,
		AuthService:     authSvc,
		SessionProvider: repo,
		Bus:             bus,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	// Give the background Serve goroutine a moment to start accepting.
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", srv.Addr().String()); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return srv, authSvc, repo
}

func login(t *testing.T, addr string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "viewer", "password": "password123"})
	resp, err := http.Post(fmt.Sprintf("http://%s/api/auth/login", addr), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}

func TestDashboard_LoginSucceedsWithValidCredentials(t *testing.T) {
	srv, _, _ := startTestDashboard(t, nil)
	token := login(t, srv.Addr().String())
	assert.NotEmpty(t, token)
}

func TestDashboard_LoginRejectsBadPassword(t *testing.T) {
	srv, _, _ := startTestDashboard(t, nil)
	body, _ := json.Marshal(map[string]string{"username": "viewer", "password": "wrong"})
	resp, err := http.Post(fmt.Sprintf("http://%s/api/auth/login", srv.Addr().String()), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDashboard_SessionsRequiresAuth(t *testing.T) {
	srv, _, _ := startTestDashboard(t, nil)
	resp, err := http.Get(fmt.Sprintf("http://%s/api/sessions", srv.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDashboard_SessionsReturnsRecordedSessions(t *testing.T) {
	srv, _, repo := startTestDashboard(t, nil)
	s := session.New("card-001", "127.0.0.1:9999")
	repo.RecordSessionOpen(s)

	token := login(t, srv.Addr().String())

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/sessions", srv.Addr().String()), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []repository.SessionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "card-001", records[0].PSKIdentity)
}

func TestDashboard_SessionDetailNotFound(t *testing.T) {
	srv, _, _ := startTestDashboard(t, nil)
	token := login(t, srv.Addr().String())

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/sessions/ghost", srv.Addr().String()), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDashboard_WebSocketRejectsMissingToken(t *testing.T) {
	srv, _, _ := startTestDashboard(t, nil)
	wsURL := fmt.Sprintf("ws://%s/ws", srv.Addr().String())
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestDashboard_WebSocketTailsBusEvents(t *testing.T) {
	bus := eventbus.New(nil)
	srv, _, _ := startTestDashboard(t, bus)
	token := login(t, srv.Addr().String())

	wsURL := fmt.Sprintf("ws://%s/ws?token=%s", srv.Addr().String(), token)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// Give the handshake a moment to register the client before emitting.
	time.Sleep(50 * time.Millisecond)
	bus.Emit(eventbus.KindSessionStarted, "sess-1", map[string]any{"psk_identity": "card-001"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event eventbus.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, eventbus.KindSessionStarted, event.Kind)
	assert.Equal(t, "sess-1", event.SessionID)
}
