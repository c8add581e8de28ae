package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-thermostat/internal/audit"
	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-thermostat/internal/thermostat"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ThermostatService is the thermostat registry behind the API.
// It is satisfied by *thermostat.Manager.
type ThermostatService interface {
	ListAvailablePorts() ([]thermostat.PortInfo, error)
	ConnectThermostat(ctx context.Context, label, port string) (thermostat.State, error)
	DisconnectThermostat(ctx context.Context, id string) error
	ListThermostats() []thermostat.State
	GetThermostat(id string) (thermostat.State, error)
	SetThermostatDesiredTemperature(ctx context.Context, id string, celsius float64) (thermostat.State, error)
	Stats() thermostat.ManagerStats
}

// HistoryReader serves averaged temperature history.
// It is satisfied by *thermostat.SQLiteHistory.
type HistoryReader interface {
	Range(ctx context.Context, thermostatID string, from, to time.Time, bin time.Duration) (thermostat.TemperatureHistory, error)
}

// AuditLog records and lists operator actions.
// It is satisfied by *audit.SQLiteRepository.
type AuditLog interface {
	Record(ctx context.Context, e *audit.Entry) error
	List(ctx context.Context, f audit.Filter) (*audit.Page, error)
}

// ConnectionStatus reports whether an optional backend is connected.
// It is satisfied by *mqtt.Client and *influxdb.Client.
type ConnectionStatus interface {
	IsConnected() bool
}

// DBStatter exposes connection pool statistics. It is satisfied by
// *database.DB.
type DBStatter interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Thermostats ThermostatService
	History     HistoryReader    // optional: history endpoint returns 503 without it
	HistoryBin  time.Duration    // bucket width for history queries
	Audit       AuditLog         // optional: actions are not recorded without it
	MQTT        ConnectionStatus // optional
	InfluxDB    ConnectionStatus // optional
	DB          DBStatter        // optional
	Hub         *Hub             // optional: created when nil
	Version     string
}

// Server is the HTTP API server for thermostatd.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	thermostats ThermostatService
	history     HistoryReader
	historyBin  time.Duration
	audit       AuditLog
	mqtt        ConnectionStatus
	influx      ConnectionStatus
	db          DBStatter
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The hub exists as soon as New returns, so it can be registered as a
// thermostat.StateSink before the server is started.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Thermostats == nil {
		return nil, fmt.Errorf("thermostat service is required")
	}

	bin := deps.HistoryBin
	if bin <= 0 {
		bin = thermostat.DefaultHistoryBin
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		thermostats: deps.Thermostats,
		history:     deps.History,
		historyBin:  bin,
		audit:       deps.Audit,
		mqtt:        deps.MQTT,
		influx:      deps.InfluxDB,
		db:          deps.DB,
		version:     deps.Version,
		startTime:   time.Now(),
		hub:         deps.Hub,
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
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
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
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
