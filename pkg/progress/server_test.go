package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/wallet-indexer/pkg/job"
)

type testServer struct {
	hub      *Hub
	verifier *JWTVerifier
	server   *Server
	url      string
}

func newTestServer(t *testing.T, status StatusProvider) *testServer {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	hub := NewHub(status, DefaultQueueSize, log, nil)
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s, err := NewServer(cfg, hub, v, log)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
		srv.Close()
	})
	return &testServer{
		hub:      hub,
		verifier: v,
		server:   s,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Path,
	}
}

func (ts *testServer) dial(t *testing.T, walletID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	q := url.Values{}
	if walletID != "" {
		q.Set("walletId", walletID)
	}
	if token != "" {
		q.Set("token", token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(ts.url+"?"+q.Encode(), nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func (ts *testServer) token(t *testing.T, walletID string) string {
	t.Helper()
	tok, err := ts.verifier.Issue("test", walletID, time.Hour)
	require.NoError(t, err)
	return tok
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestServer_RejectsBeforeUpgrade(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name     string
		walletID string
		token    func(t *testing.T) string
		want     int
	}{
		{
			name:  "missing wallet",
			token: func(t *testing.T) string { return ts.token(t, "") },
			want:  http.StatusBadRequest,
		},
		{
			name:     "missing token",
			walletID: "w1",
			token:    func(*testing.T) string { return "" },
			want:     http.StatusUnauthorized,
		},
		{
			name:     "bad token",
			walletID: "w1",
			token:    func(*testing.T) string { return "nope" },
			want:     http.StatusUnauthorized,
		},
		{
			name:     "token for another wallet",
			walletID: "w1",
			token:    func(t *testing.T) string { return ts.token(t, "w2") },
			want:     http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := ts.dial(t, tt.walletID, tt.token(t))
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			require.Equal(t, tt.want, resp.StatusCode)
		})
	}
	require.Zero(t, ts.hub.Subscribers("w1"))
}

func TestServer_PingPong(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _, err := ts.dial(t, "w1", ts.token(t, "w1"))
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	got := readMessage(t, conn)
	require.Equal(t, "pong", got["type"])
	require.NotZero(t, got["timestamp"])
}

func TestServer_RequestStatus(t *testing.T) {
	ts := newTestServer(t, staticStatus{
		"w1": {ID: "job-1", WalletID: "w1", Chain: "avalanche", Status: job.StatusPaused, StartBlock: 0, EndBlock: 9, CurrentBlock: 4, NextBlock: 5},
	})
	conn, _, err := ts.dial(t, "w1", ts.token(t, ""))
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeRequestStatus}))
	got := readMessage(t, conn)
	require.Equal(t, "status", got["type"])
	data, ok := got["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "job-1", data["jobId"])
	require.Equal(t, "paused", data["status"])
	require.Equal(t, float64(50), data["percent"])
}

func TestServer_UnknownAndMalformedMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _, err := ts.dial(t, "w1", ts.token(t, "w1"))
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	require.Equal(t, "error", readMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe"}))
	require.Equal(t, "error", readMessage(t, conn)["type"])
}

func TestServer_ReplaysBacklogThenStreams(t *testing.T) {
	ts := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.hub.Publish("w1", seqMessage(i)))
	}

	conn, _, err := ts.dial(t, "w1", ts.token(t, "w1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.Equal(t, float64(i), readMessage(t, conn)["timestamp"])
	}
	require.Zero(t, ts.hub.QueueLen("w1"))

	ts.hub.OnJobEvent(job.Event{
		Type:     job.EventProgress,
		Job:      job.Job{ID: "job-1", WalletID: "w1", Status: job.StatusRunning},
		Progress: &job.ProgressUpdate{Percent: 25},
	})
	got := readMessage(t, conn)
	require.Equal(t, "progress", got["type"])
	require.Equal(t, float64(25), got["data"].(map[string]any)["percent"])
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _, err := ts.dial(t, "w1", ts.token(t, "w1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ts.hub.Subscribers("w1") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.server.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.PingInterval = cfg.PongWait
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Path = ""
	require.Error(t, cfg.Validate())
}
