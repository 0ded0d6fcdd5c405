package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"rewardledger/internal/service"
)

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, svc service.RewardService, adminToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	h := NewHandler(svc, adminToken, logger)
	h.Register(mux)

	return &Server{
		logger: logger,
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("HTTP API is listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
