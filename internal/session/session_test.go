package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/cardlink/internal/httpenvelope"
)

func TestSession_HappyPathTransitions(t *testing.T) {
	s := New("card-001", "127.0.0.1:55000")
	require.Equal(t, StateIdle, s.State())

	require.NoError(t, s.BeginHandshake())
	require.Equal(t, StateHandshaking, s.State())

	require.NoError(t, s.CompleteHandshake("TLS_PSK_WITH_AES_128_CBC_SHA256", "TLS1.2"))
	require.Equal(t, StateOpen, s.State())

	uri, err := s.NextScriptURI("/session/1")
	require.NoError(t, err)
	assert.Equal(t, "/session/1/step/1", uri)
	require.Equal(t, StateAwaitingResponse, s.State())

	require.NoError(t, s.AcceptResponseAt(uri))
	require.Equal(t, StateOpen, s.State())

	require.NoError(t, s.BeginClosing(CloseReasonCompleted))
	require.Equal(t, StateClosing, s.State())
	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
	assert.Equal(t, CloseReasonCompleted, s.CloseReason)
}

func TestSession_HandshakeFailure(t *testing.T) {
	s := New("ghost", "127.0.0.1:1")
	require.NoError(t, s.BeginHandshake())
	require.NoError(t, s.FailHandshake())
	assert.Equal(t, StateHandshakeFailed, s.State())
}

func TestSession_InvalidTransitionRejected(t *testing.T) {
	s := New("card-001", "x")
	err := s.CompleteHandshake("suite", "TLS1.2")
	var target *ErrInvalidTransition
	require.ErrorAs(t, err, &target)
	assert.Equal(t, StateIdle, target.From)
}

func TestSession_NextURIMonotonicallyAdvances(t *testing.T) {
	s := New("card-001", "x")
	require.NoError(t, s.BeginHandshake())
	require.NoError(t, s.CompleteHandshake("suite", "TLS1.2"))

	uri1, err := s.NextScriptURI("/session/1")
	require.NoError(t, err)
	require.NoError(t, s.AcceptResponseAt(uri1))

	uri2, err := s.NextScriptURI("/session/1")
	require.NoError(t, err)
	assert.NotEqual(t, uri1, uri2)
	assert.Equal(t, "/session/1/step/2", uri2)
}

func TestSession_ReusedNextURIRejected(t *testing.T) {
	s := New("card-001", "x")
	require.NoError(t, s.BeginHandshake())
	require.NoError(t, s.CompleteHandshake("suite", "TLS1.2"))

	uri, err := s.NextScriptURI("/session/1")
	require.NoError(t, err)
	require.NoError(t, s.AcceptResponseAt(uri))

	err = s.AcceptResponseAt(uri)
	assert.ErrorIs(t, err, ErrNextURIReused)
}

func TestSession_UnknownURIRejected(t *testing.T) {
	s := New("card-001", "x")
	require.NoError(t, s.BeginHandshake())
	require.NoError(t, s.CompleteHandshake("suite", "TLS1.2"))

	err := s.AcceptResponseAt("/session/1/step/99")
	assert.ErrorIs(t, err, ErrNextURIReused)
}

func TestSession_APDULogOrdering(t *testing.T) {
	s := New("card-001", "x")
	s.AppendCommand([]byte{0x00, 0xA4, 0x04, 0x00})
	s.AppendResponse([]byte{}, 0x90, 0x00, 1.5)

	require.Len(t, s.APDULog, 2)
	assert.Equal(t, DirectionCommand, s.APDULog[0].Direction)
	assert.Equal(t, DirectionResponse, s.APDULog[1].Direction)
	assert.Equal(t, byte(0x90), *s.APDULog[1].SW1)
}

func TestSession_IdleDetection(t *testing.T) {
	s := New("card-001", "x")
	past := time.Now().Add(-5 * time.Second)
	s.Touch(past)
	assert.True(t, s.Idle(2*time.Second, time.Now()))
	assert.False(t, s.Idle(10*time.Second, time.Now()))
}

func TestClassifyScriptStatus(t *testing.T) {
	reason, aborted := ClassifyScriptStatus(httpenvelope.ScriptStatusOK)
	assert.False(t, aborted)
	assert.Equal(t, CloseReasonNone, reason)

	reason, aborted = ClassifyScriptStatus(httpenvelope.ScriptStatusUnknownApplication)
	assert.True(t, aborted)
	assert.Equal(t, CloseReasonScriptAbort, reason)
}

func TestMismatchTracker_FiresAtThreshold(t *testing.T) {
	tr := NewMismatchTracker(time.Second, 3)
	now := time.Now()

	assert.False(t, tr.Record("10.0.0.1:1", now))
	assert.False(t, tr.Record("10.0.0.1:1", now.Add(10*time.Millisecond)))
	assert.True(t, tr.Record("10.0.0.1:1", now.Add(20*time.Millisecond)))
}

func TestMismatchTracker_WindowExpires(t *testing.T) {
	tr := NewMismatchTracker(50*time.Millisecond, 2)
	now := time.Now()

	assert.False(t, tr.Record("addr", now))
	later := now.Add(100 * time.Millisecond)
	assert.False(t, tr.Record("addr", later)) // prior event fell out of window
	assert.Equal(t, 1, tr.Count("addr", later))
}
