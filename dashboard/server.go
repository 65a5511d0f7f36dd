// Package dashboard serves the most recent window of readings over HTTP and
// websocket.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/mikesmitty/htu21d"
)

//go:embed web
var webFS embed.FS

// Server keeps the latest window taken from a Slot and fans it out to
// HTTP clients and websocket subscribers.
type Server struct {
	slot *Slot
	log  *slog.Logger

	// done is closed by Close and releases every websocket handler.
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	latest []htu21d.Measurement
	subs   map[chan []htu21d.Measurement]struct{}
}

func NewServer(slot *Slot, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		slot: slot,
		log:  log,
		done: make(chan struct{}),
		subs: make(map[chan []htu21d.Measurement]struct{}),
	}
}

// Close disconnects websocket subscribers. Plain HTTP routes keep working.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Consume takes windows from the slot until ctx is done.
func (s *Server) Consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ms := <-s.slot.C():
			s.update(ms)
		}
	}
}

func (s *Server) update(ms []htu21d.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = ms
	for ch := range s.subs {
		// Slow subscribers skip windows rather than stall the others.
		select {
		case <-ch:
		default:
		}
		ch <- ms
	}
}

// Latest returns the most recent window.
func (s *Server) Latest() []htu21d.Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Server) subscribe() chan []htu21d.Measurement {
	ch := make(chan []htu21d.Measurement, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = struct{}{}
	if s.latest != nil {
		ch <- s.latest
	}
	return ch
}

func (s *Server) unsubscribe(ch chan []htu21d.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, ch)
}

// Handler returns the dashboard routes.
func (s *Server) Handler() http.Handler {
	static, _ := fs.Sub(webFS, "web")
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(static)))
	mux.HandleFunc("/data", s.serveSeries)
	mux.HandleFunc("/api/latest", s.serveLatest)
	mux.Handle("/ws", websocket.Handler(s.serveWebsocket))
	return mux
}

// serveSeries answers with two [tick, value] series, temperature then
// humidity, ready for plotting.
func (s *Server) serveSeries(w http.ResponseWriter, r *http.Request) {
	ms := s.Latest()
	temps := make([][2]float64, len(ms))
	hums := make([][2]float64, len(ms))
	for i, m := range ms {
		temps[i] = [2]float64{float64(i + 1), m.Temperature}
		hums[i] = [2]float64{float64(i + 1), m.Humidity}
	}
	writeJSON(w, [][][2]float64{temps, hums})
}

func (s *Server) serveLatest(w http.ResponseWriter, r *http.Request) {
	ms := s.Latest()
	if ms == nil {
		ms = []htu21d.Measurement{}
	}
	writeJSON(w, ms)
}

func (s *Server) serveWebsocket(ws *websocket.Conn) {
	defer ws.Close()
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// The connection is hijacked, so the request context never ends. A
	// failed read is the only sign that the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var msg []byte
		for websocket.Message.Receive(ws, &msg) == nil {
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			return
		case ms := <-ch:
			ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := websocket.JSON.Send(ws, ms); err != nil {
				s.log.Debug("websocket client gone", "remote", ws.Request().RemoteAddr, "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe serves the dashboard on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.Consume(ctx)

	errc := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
