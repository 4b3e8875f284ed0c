package main

// http_server.go — thin lifecycle wrapper around the statusapi router so
// node.go can start/stop it alongside the other background tasks without
// repeating net/http boilerplate.

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type statusServer struct {
	srv *http.Server
}

func newStatusServer(addr string, router *chi.Mux) *statusServer {
	return &statusServer{srv: &http.Server{Addr: addr, Handler: router}}
}

func (s *statusServer) Start(ctx context.Context) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nodeLog.WithError(err).Warn("status server stopped unexpectedly")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
}

func (s *statusServer) Close() error { return s.srv.Close() }
