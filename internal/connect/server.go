package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// CallbackServer is the loopback HTTP endpoint a desktop flow uses as
// its redirect URI. The browser lands here after consent and the
// callback URL is handed straight to the Flow. Mobile builds use a
// custom URL scheme instead and never start this server.
type CallbackServer struct {
	flow   *Flow
	srv    *http.Server
	addr   string
	logger *slog.Logger
}

// StartCallbackServer listens on addr (use "127.0.0.1:0" for an
// ephemeral port) and serves the /oauth/callback route.
func StartCallbackServer(flow *Flow, addr string, logger *slog.Logger) (*CallbackServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := &CallbackServer{flow: flow, addr: ln.Addr().String(), logger: logger}

	r := chi.NewRouter()
	r.Get("/oauth/callback", s.handleCallback)

	s.srv = &http.Server{Handler: r}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("callback server stopped", "error", err)
		}
	}()
	return s, nil
}

// RedirectURI returns the redirect URI to pass to Flow.Start.
func (s *CallbackServer) RedirectURI() string {
	return "http://" + s.addr + "/oauth/callback"
}

// Close shuts the server down.
func (s *CallbackServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	full := "http://" + s.addr + r.URL.String()
	err := s.flow.HandleCallback(r.Context(), full)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var pe *CallbackParseError
	switch {
	case errors.As(err, &pe):
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<html><body><p>Invalid callback: %s</p></body></html>", pe.Reason)
	case err != nil:
		// Completion failures are already on the error banner; the
		// browser tab just needs to be closable.
		fmt.Fprint(w, "<html><body><p>Connection could not be completed. Return to the app for details.</p></body></html>")
	default:
		fmt.Fprint(w, "<html><body><p>Connected. You can close this window.</p></body></html>")
	}
}
