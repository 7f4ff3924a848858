package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/history"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/logging"
	"github.com/nerrad567/chainkeeper/internal/orchestrator"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Commands is the orchestrator's command and query surface.
type Commands interface {
	DownloadChain(ctx context.Context, chainID string) orchestrator.Result
	PauseDownload(chainID string) orchestrator.Result
	ResumeDownload(chainID string) orchestrator.Result
	StartChain(ctx context.Context, chainID string, extraArgs []string) orchestrator.Result
	StopChain(ctx context.Context, chainID string) orchestrator.Result
	ForceStopChain(ctx context.Context, chainID string) orchestrator.Result
	StartAll(ctx context.Context, ids []string, extraArgs map[string][]string) orchestrator.Result
	StopAll(ctx context.Context, ids []string, force bool) orchestrator.Result
	ResetChain(ctx context.Context, chainID string) orchestrator.Result
	GetChainStatus(chainID string) (orchestrator.ChainStatus, error)
	ListChains() ([]orchestrator.ChainStatus, error)
	GetDownloads() []event.DownloadSnapshot
	Chains() *chain.Set
}

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(buffer int, types ...event.Type) (<-chan event.Event, func())
}

// HealthChecker is an optional collaborator reported by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Metrics  config.MetricsConfig
	Logger   *logging.Logger
	Commands Commands
	Events   Subscriber

	// History serves /chains/{id}/history; nil answers 503.
	History history.Repository

	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Health lists named collaborators checked by /health.
	Health map[string]HealthChecker

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	metrics  config.MetricsConfig
	logger   *logging.Logger
	cmds     Commands
	events   Subscriber
	history  history.Repository
	gatherer prometheus.Gatherer
	health   map[string]HealthChecker
	version  string
	started  time.Time

	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new API server. It is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("commands are required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event subscriber is required")
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Component("api"),
		cmds:     deps.Commands,
		events:   deps.Events,
		history:  deps.History,
		gatherer: deps.Gatherer,
		health:   deps.Health,
		version:  deps.Version,
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	return s, nil
}

// Start binds the listener, starts the WebSocket hub on a bus subscription
// and serves in a background goroutine. A bind failure is returned
// directly.
func (s *Server) Start(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()

	events, unsubscribe := s.events.Subscribe(hubBuffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.hub.Run(srvCtx, events)
	}()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		cancel()
		s.wg.Wait()
		return fmt.Errorf("binding API listener: %w", err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, useful when port 0 was configured.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close waits up to 10 seconds for in-flight requests, then closes the
// remaining connections and the WebSocket clients.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
