package rag

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/server"

	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/metrics"
)

const Version = "0.1.0"

// Server exposes a RAGClient over HTTP.
type Server struct {
	client  *RAGClient
	router  *mux.Router
	handler http.Handler
	http    *http.Server
}

// NewServer builds the router. The MCP endpoint is mounted when enabled in
// the client's configuration.
func NewServer(client *RAGClient) *Server {
	s := &Server{client: client, router: mux.NewRouter()}
	r := s.router

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/chat", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/cleanup", s.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/stats/cache", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/{conversation_id}", s.handleGetConversation).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/{conversation_id}", s.handleDeleteConversation).Methods(http.MethodDelete)
	r.HandleFunc("/api/chat/{conversation_id}/metadata", s.handleMetadata).Methods(http.MethodGet)

	if mcpCfg := client.config.Server.MCP; mcpCfg.Enabled {
		mcpServer := NewMCPServer(client)
		r.PathPrefix(mcpCfg.Path).Handler(server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath(mcpCfg.Path)))
		logger.Infof("mcp endpoint mounted at %s", mcpCfg.Path)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	s.handler = recoverer(cors(client.config.Server.CORSOrigins, r))
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to the write timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.client.config.Server
	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.handler,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
		ErrorLog:     logger.StdLog("http"),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	grace := s.http.WriteTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	logger.Infof("shutting down http server")
	return s.http.Shutdown(shutdownCtx)
}

// recoverer turns a handler panic into a generic 500.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Errorf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeDetail(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors applies a permissive policy when origins contains "*", otherwise
// only listed origins are echoed back. Preflight requests end here.
func cors(origins []string, next http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			_, ok := allowed[origin]
			if allowAll || ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
