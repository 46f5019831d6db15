package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ava-labs/wallet-indexer/pkg/utils"
)

type Config struct {
	Addr string
	Path string
	// PingInterval is how often the server pings each connection. It must be
	// shorter than PongWait.
	PingInterval time.Duration
	// PongWait is how long a connection may stay silent before it is dropped.
	PongWait  time.Duration
	WriteWait time.Duration
	// AllowedOrigins empty allows any origin.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		Addr:         ":8081",
		Path:         "/ws",
		PingInterval: 25 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	if c.PingInterval <= 0 || c.PongWait <= 0 || c.WriteWait <= 0 {
		return errors.New("ping interval, pong wait and write wait must be > 0")
	}
	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("ping interval %s must be shorter than pong wait %s", c.PingInterval, c.PongWait)
	}
	return nil
}

const maxClientMessage = 4096

// Server accepts authenticated websocket subscriptions at Config.Path.
type Server struct {
	cfg      Config
	hub      *Hub
	verifier TokenVerifier
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	httpServer *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(cfg Config, hub *Hub, verifier TokenVerifier, log *zap.SugaredLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid progress server config: %w", err)
	}
	if hub == nil || verifier == nil {
		return nil, errors.New("hub and verifier are required")
	}
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		verifier: verifier,
		log:      utils.Named(log, "progress-server"),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.serveWS)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// serveWS checks the token and walletId before upgrading.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	walletID := q.Get("walletId")
	if walletID == "" {
		http.Error(w, ErrWalletMissing.Error(), http.StatusBadRequest)
		return
	}
	claims, err := s.verifier.Verify(q.Get("token"))
	if err != nil {
		s.log.Debugw("rejected progress subscription", "walletID", walletID, "error", err)
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	if !claims.Allows(walletID) {
		http.Error(w, ErrWalletDenied.Error(), http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	sub, err := s.hub.Subscribe(walletID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(s.cfg.WriteWait))
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.log.Infow("progress subscriber connected", "walletID", walletID, "subject", claims.Subject)
	s.wg.Add(2)
	go s.writePump(conn, sub)
	go s.readPump(conn, sub)
}

// readPump handles client messages and keeps the read deadline fresh on pongs.
func (s *Server) readPump(conn *websocket.Conn, sub *Subscription) {
	defer s.wg.Done()
	defer sub.Close()

	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugw("progress subscriber read error", "walletID", sub.Key(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var in Message
		if err := json.Unmarshal(data, &in); err != nil {
			s.reply(sub, Message{Type: TypeError, Data: map[string]string{"error": "malformed message"}})
			continue
		}
		switch in.Type {
		case TypePing:
			s.reply(sub, Pong(time.Now()))
		case TypeRequestStatus:
			s.reply(sub, s.hub.StatusFor(sub.Key()))
		default:
			s.reply(sub, Message{Type: TypeError, Data: map[string]string{"error": fmt.Sprintf("unknown message type %q", in.Type)}})
		}
	}
}

func (s *Server) reply(sub *Subscription, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Errorw("failed to marshal reply", "type", msg.Type, "error", err)
		return
	}
	if !sub.Send(b) {
		s.log.Debugw("reply dropped", "walletID", sub.Key(), "type", msg.Type)
	}
}

// writePump is the only writer on conn. It drains the subscription and pings
// on a ticker.
func (s *Server) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.wg.Done()
	}()

	for {
		select {
		case b, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				sub.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		}
	}
}

// Start begins serving. This is non-blocking.
// Returns a channel that receives an error if the server fails.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("progress server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting connections, closes the live ones and waits for
// their pumps to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		return errors.Join(err, ctx.Err())
	}
	return err
}
