// thermostatd manages thermostats attached over USB serial links.
//
// It discovers serial ports, keeps one link per configured thermostat,
// repairs dropped links, and exposes everything over an HTTP/WebSocket API.
// State is optionally mirrored to MQTT and InfluxDB.
//
// Usage:
//
//	thermostatd                                    run the daemon
//	thermostatd token [-subject s]                 print an API bearer token
//	thermostatd migrate up|down|status [-steps n]  manage the schema
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-thermostat/migrations"

	"github.com/nerrad567/gray-logic-thermostat/internal/api"
	"github.com/nerrad567/gray-logic-thermostat/internal/audit"
	"github.com/nerrad567/gray-logic-thermostat/internal/auth"
	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-thermostat/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-thermostat/internal/thermostat"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// startupTimeout bounds loading persisted thermostats and health checks.
const startupTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "token":
		err = runToken(os.Args[2:], os.Stdout)
	case len(os.Args) > 1 && os.Args[1] == "migrate":
		err = runMigrate(ctx, os.Args[2:], os.Stdout)
	default:
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called explicitly above
	}
}

// run is the daemon, separated from main for testability. Components are
// closed by defers in reverse start order.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Linear startup sequence
	log := logging.Default()
	log.Info("starting thermostatd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"level", cfg.Logging.Level,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	repo := thermostat.NewSQLiteRepository(db.DB)
	repo.SetLogger(log.Component("repository"))
	history := thermostat.NewSQLiteHistory(db.DB)
	history.SetLogger(log.Component("history"))

	auditLog := audit.NewSQLiteRepository(db.DB)

	sinks := thermostat.MultiSink{repo, history}

	// The manager is created after the MQTT bridge that forwards set-point
	// commands to it; commands only arrive once the bridge is started below.
	var mgr *thermostat.Manager

	var mqttClient *mqtt.Client
	var bridge *thermostat.MQTTBridge
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT connected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttLog := log.Component("mqtt-bridge")
		bridge = thermostat.NewMQTTBridge(mqttClient, setpointFunc(func(ctx context.Context, id string, celsius float64) (thermostat.State, error) {
			st, err := mgr.SetThermostatDesiredTemperature(ctx, id, celsius)
			if err != nil {
				return st, err
			}
			if auditErr := auditLog.Record(ctx, &audit.Entry{
				Action:       audit.ActionSetTemperature,
				ThermostatID: id,
				Source:       audit.SourceMQTT,
				Details:      map[string]any{"desired_temperature": celsius},
			}); auditErr != nil {
				mqttLog.Error("failed to record audit entry", "thermostat_id", id, "error", auditErr)
			}
			return st, nil
		}), byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated to 0-2
		bridge.SetLogger(mqttLog)
		sinks = append(sinks, bridge)
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sinks = append(sinks, thermostat.InfluxSink{Writer: influxClient})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log)
	sinks = append(sinks, hub)

	mgr, err = thermostat.NewManager(managerConfig(cfg), thermostat.ManagerDeps{
		Store:  repo,
		Sink:   sinks,
		Opener: thermostat.OpenSerialPort,
		Lister: thermostat.SerialPortLister{},
	})
	if err != nil {
		return fmt.Errorf("creating thermostat manager: %w", err)
	}
	mgr.SetLogger(log.Component("thermostat"))
	defer func() {
		log.Info("disconnecting thermostats")
		if closeErr := mgr.Close(); closeErr != nil {
			log.Error("error closing thermostat manager", "error", closeErr)
		}
	}()

	if err := restoreThermostats(ctx, repo, mgr); err != nil {
		log.Warn("some thermostats could not be restored", "error", err)
	}
	mgr.Start(ctx)
	log.Info("thermostat manager started",
		"thermostats", mgr.Stats().Thermostats,
		"reconcile_interval", cfg.GetReconcileInterval(),
	)

	if bridge != nil {
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		defer func() {
			if stopErr := bridge.Stop(); stopErr != nil {
				log.Warn("error stopping MQTT bridge", "error", stopErr)
			}
		}()
	}

	retentionCtx, stopRetention := context.WithCancel(ctx)
	var retention sync.WaitGroup
	retention.Add(2)
	go func() {
		defer retention.Done()
		history.RunRetention(retentionCtx, cfg.GetHistoryRetention())
	}()
	go func() {
		defer retention.Done()
		auditLog.RunRetention(retentionCtx, cfg.GetHistoryRetention(), log.Component("audit"))
	}()
	defer func() {
		stopRetention()
		retention.Wait()
	}()

	deps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log.Component("api"),
		Thermostats: mgr,
		History:     history,
		HistoryBin:  cfg.GetHistoryBin(),
		Audit:       auditLog,
		DB:          db,
		Hub:         hub,
		Version:     version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.InfluxDB = influxClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	checkCtx, cancelCheck := context.WithTimeout(ctx, startupTimeout)
	err = healthCheck(checkCtx, db, mqttClient, influxClient)
	cancelCheck()
	if err != nil {
		log.Warn("startup health check failed", "error", err)
	} else {
		log.Info("all health checks passed")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// setpointFunc adapts a function to thermostat.DesiredTemperatureSetter.
type setpointFunc func(ctx context.Context, id string, celsius float64) (thermostat.State, error)

func (f setpointFunc) SetThermostatDesiredTemperature(ctx context.Context, id string, celsius float64) (thermostat.State, error) {
	return f(ctx, id, celsius)
}

// managerConfig maps the serial section of the config onto the manager.
// An empty ignore list falls back to the platform defaults.
func managerConfig(cfg *config.Config) thermostat.ManagerConfig {
	mc := thermostat.ManagerConfig{
		ReconcileInterval: cfg.GetReconcileInterval(),
		StaleAfter:        cfg.GetStaleAfter(),
		IgnorePatterns:    cfg.Serial.IgnorePatterns,
		Session: thermostat.SessionConfig{
			ConfirmAttempts: cfg.Serial.ConfirmAttempts,
			ConfirmInterval: cfg.GetConfirmInterval(),
		},
	}
	if len(mc.IgnorePatterns) == 0 {
		mc.IgnorePatterns = thermostat.DefaultIgnorePatterns()
	}
	return mc
}

// restoreThermostats registers persisted thermostats with the manager.
func restoreThermostats(ctx context.Context, repo *thermostat.SQLiteRepository, mgr *thermostat.Manager) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	states, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted thermostats: %w", err)
	}
	return mgr.Restore(states)
}

// getConfigPath returns the configuration file path.
// Uses THERMOSTAT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("THERMOSTAT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections. MQTT and InfluxDB
// are skipped when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// runToken prints a bearer token signed with the configured JWT secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "thermostatd", "token subject")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set")
	}

	token, err := auth.GenerateToken(*subject, cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
