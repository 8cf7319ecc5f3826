package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
)

// MetricsServer serves /metrics over TCP. A nil *MetricsServer is a
// disabled listener.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer binds addr. An empty addr disables the listener and
// returns nil.
func NewMetricsServer(addr string, m *metrics.Metrics, logger *zap.Logger) (*MetricsServer, error) {
	if addr == "" {
		return nil, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &MetricsServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr is the bound address.
func (s *MetricsServer) Addr() string {
	if s == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves in the background.
func (s *MetricsServer) Start() {
	if s == nil {
		return
	}
	s.logger.Info("metrics listener starting", zap.String("addr", s.Addr()))
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener error", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down.
func (s *MetricsServer) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	_ = s.srv.Shutdown(ctx)
}
