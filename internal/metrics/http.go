package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Server 指标 HTTP 服务, Invoke 作为退出回调
type Server struct {
	server *http.Server
}

// Serve 在后台监听, 监听失败直接返回错误
func (m *Metrics) Serve(port int) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("fail to listen metrics port %d: %w", port, err)
	}
	s := &Server{server: &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Metrics server stopped unexpectedly: %v", err)
		}
	}()
	logger.InfoF("Metrics server listening on %s", ln.Addr())
	return s, nil
}

func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
