package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/inboxd/internal/inbox"
)

type fakeConn struct {
	status  inbox.BridgeStatus
	sent    []string
	sendErr error
}

func (f *fakeConn) Status() inbox.BridgeStatus { return f.status }

func (f *fakeConn) SendText(_ context.Context, recipient, body string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, recipient+":"+body)
	return "MSG1", nil
}

func TestClientServer_StatusAndSend(t *testing.T) {
	conn := &fakeConn{status: inbox.BridgeStatus{State: inbox.BridgeConnected}}
	hs := httptest.NewServer(NewServer(conn, 100, 10, zerolog.Nop()).Handler())
	defer hs.Close()
	client := NewClient(hs.URL, nil)
	ctx := context.Background()

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, inbox.BridgeConnected, st.State)
	assert.False(t, st.CheckedAt.IsZero())

	id, err := client.Send(ctx, "+55 11 91234-5678", "hello")
	require.NoError(t, err)
	assert.Equal(t, "MSG1", id)
	assert.Equal(t, []string{"+55 11 91234-5678:hello"}, conn.sent)
}

func TestServer_SendRejections(t *testing.T) {
	conn := &fakeConn{status: inbox.BridgeStatus{State: inbox.BridgeQRReady, HasQR: true}}
	hs := httptest.NewServer(NewServer(conn, 100, 10, zerolog.Nop()).Handler())
	defer hs.Close()
	client := NewClient(hs.URL, nil)
	ctx := context.Background()

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, inbox.BridgeQRReady, st.State)
	assert.True(t, st.HasQR)

	_, err = client.Send(ctx, "555", "hello")
	require.Error(t, err, "not connected")

	_, err = client.Send(ctx, "", "hello")
	require.Error(t, err, "recipient required")

	conn.status.State = inbox.BridgeConnected
	conn.sendErr = errors.New("unknown jid")
	_, err = client.Send(ctx, "555", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown jid")
}

func TestServer_RateLimitsSends(t *testing.T) {
	conn := &fakeConn{status: inbox.BridgeStatus{State: inbox.BridgeConnected}}
	srv := NewServer(conn, 0.001, 2, zerolog.Nop())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/send", stringsReader(`{"recipientIdentifier":"555","body":"x"}`))
		srv.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestClient_StatusUnreachable(t *testing.T) {
	hs := httptest.NewServer(http.NotFoundHandler())
	url := hs.URL
	hs.Close()
	_, err := NewClient(url, nil).Status(context.Background())
	assert.Error(t, err)
}
