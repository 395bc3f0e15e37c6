package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"jamlink/internal/config"
	"jamlink/internal/jam"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// JamServer exposes a single device's jam coordinator over HTTP and
// WebSocket. One server instance represents one signed-in listener.
type JamServer struct {
	config      *config.Config
	coordinator *jam.Coordinator
	logger      *logrus.Logger
	httpServer  *http.Server
}

// NewJamServer creates the gateway around an already-built coordinator.
func NewJamServer(cfg *config.Config, coordinator *jam.Coordinator, logger *logrus.Logger) *JamServer {
	return &JamServer{
		config:      cfg,
		coordinator: coordinator,
		logger:      logger,
	}
}

func (js *JamServer) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/jam").Subrouter()
	api.HandleFunc("/health", js.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/sessions", js.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/join", js.handleJoinSession).Methods(http.MethodPost)
	api.HandleFunc("/codes/{code}", js.handleCheckCode).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/leave", js.handleLeaveSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/playback", js.handleUpdatePlayback).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/track", js.handleChangeTrack).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/queue", js.handleAddToQueue).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/queue/{item}", js.handleRemoveFromQueue).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/reactions", js.handleSendReaction).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/chat", js.handleSendChat).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/chat", js.handleClearChat).Methods(http.MethodDelete)

	ws := r.PathPrefix("/ws/jam").Subrouter()
	ws.HandleFunc("/sessions/{id}", js.handleWatchSession).Methods(http.MethodGet)
	ws.HandleFunc("/sessions/{id}/chat", js.handleWatchChat).Methods(http.MethodGet)
	ws.HandleFunc("/sessions/{id}/reactions", js.handleWatchReactions).Methods(http.MethodGet)

	r.Use(js.requestLoggingMiddleware)
	if js.config.Server.EnableCORS {
		r.Use(js.corsMiddleware)
	}

	return r
}

// Start runs the HTTP server until the listener fails or Shutdown is called.
func (js *JamServer) Start() error {
	addr := fmt.Sprintf("%s:%s", js.config.Server.Host, js.config.Server.Port)

	js.httpServer = &http.Server{
		Addr:        addr,
		Handler:     js.setupRoutes(),
		ReadTimeout: time.Duration(js.config.Server.ReadTimeout) * time.Second,
	}

	js.logger.WithField("address", addr).Info("Jam gateway listening")

	if err := js.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the server.
func (js *JamServer) Shutdown(ctx context.Context) error {
	if js.httpServer == nil {
		return nil
	}
	js.logger.Info("Shutting down jam gateway")
	return js.httpServer.Shutdown(ctx)
}
