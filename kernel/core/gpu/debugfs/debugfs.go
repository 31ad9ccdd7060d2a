// Package debugfs exposes device counters, the hardware context table and
// captured fault snapshots over HTTP, plus a websocket that streams counters.
package debugfs

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/execlist"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// Source is the read-only view of a device the server needs.
type Source interface {
	Stats() gpu.Stats
	HWContexts() []execlist.HWContext
	ErrorStates() ([]execlist.ErrorState, error)
}

// Snapshot is one message on the /ws stream.
type Snapshot struct {
	Time     time.Time            `json:"time"`
	Stats    gpu.Stats            `json:"stats"`
	Contexts []execlist.HWContext `json:"contexts"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves the debug endpoints.
type Server struct {
	src      Source
	interval time.Duration
	logger   *utils.Logger
	mux      *http.ServeMux

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds a server pushing a snapshot every interval to each /ws client.
func New(src Source, interval time.Duration, logger *utils.Logger) *Server {
	s := &Server{
		src:      src,
		interval: interval,
		logger:   logger,
		mux:      http.NewServeMux(),
		clients:  make(map[*websocket.Conn]struct{}),
	}
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/contexts", s.handleContexts)
	s.mux.HandleFunc("/errors", s.handleErrors)
	s.mux.HandleFunc("/ws", s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("debug server listening", utils.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.closeClients()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) snapshot() Snapshot {
	return Snapshot{Time: time.Now(), Stats: s.src.Stats(), Contexts: s.src.HWContexts()}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.Stats())
}

func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.HWContexts())
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	states, err := s.src.ErrorStates()
	if err != nil {
		s.logger.Error("error state decode", utils.Err(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []execlist.ErrorState{}
	}
	writeJSON(w, states)
}

// handleWS streams snapshots until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", utils.Err(err))
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	defer s.drop(conn)

	// The read side only notices the close frame
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		data, err := json.Marshal(s.snapshot())
		if err != nil {
			s.logger.Error("snapshot encode", utils.Err(err))
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		delete(s.clients, conn)
	}
}

// Watch dials a /ws endpoint and calls fn for each snapshot until ctx is
// cancelled, the server closes or fn returns false.
func Watch(ctx context.Context, url string, fn func(Snapshot) bool) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		if !fn(snap) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
