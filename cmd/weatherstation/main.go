// Weather Station Host
//
// This is the main entry point for the weather station host process. It
// owns the device identity, sends sensor telemetry to the cloud hub,
// applies remote configuration, and serves the local value bridge that the
// UI process attaches to.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/FdxDelveloper/iot-walkthrough/migrations"

	"github.com/FdxDelveloper/iot-walkthrough/internal/bridge"
	"github.com/FdxDelveloper/iot-walkthrough/internal/identity"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/database"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/influxdb"
	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/logging"
	"github.com/FdxDelveloper/iot-walkthrough/internal/process"
	"github.com/FdxDelveloper/iot-walkthrough/internal/relay"
	"github.com/FdxDelveloper/iot-walkthrough/internal/sensor"
	"github.com/FdxDelveloper/iot-walkthrough/internal/uplink"
	"github.com/FdxDelveloper/iot-walkthrough/internal/valuestore"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Environment variables handed to the UI process.
const (
	envUISocket   = "WEATHERSTATION_BRIDGE_SOCKET"
	envUIContract = "WEATHERSTATION_BRIDGE_CONTRACT"
	envUIWSURL    = "WEATHERSTATION_BRIDGE_URL"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting weather station",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Device identity. Without the secure element nothing can authenticate.
	id, err := openIdentity(cfg.Device)
	if err != nil {
		return fmt.Errorf("opening device identity: %w", err)
	}
	deviceID, err := id.ID()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	log.Info("device identity ready", "device_id", deviceID, "token_format", cfg.Device.TokenFormat)

	store := valuestore.New()
	store.SetLogger(log.Component("valuestore"))

	// Optional persistence of bridge values
	var db *database.DB
	if cfg.Store.Persist {
		db, err = openStore(ctx, cfg.Store.Database, store, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		sub := store.Persist(context.WithoutCancel(ctx), valuestore.NewSQLiteRepository(db))
		defer sub.Unsubscribe()
	}

	// Optional local reading history
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Value bridge
	bridgeServer := bridge.New(cfg.Bridge, store)
	bridgeServer.SetLogger(log.Component("bridge"))
	defer func() {
		log.Info("closing value bridge")
		if closeErr := bridgeServer.Close(); closeErr != nil {
			log.Error("error closing value bridge", "error", closeErr)
		}
	}()

	src, err := newSensor(cfg.Sensor)
	if err != nil {
		return err
	}

	// The relay handles remote configuration for the uplink and publishes
	// through it, so the uplink reaches the relay through a closure.
	var rel *relay.Relay
	handler := uplink.ConfigHandlerFunc(func(ctx context.Context, entries []uplink.ConfigEntry) error {
		return rel.ApplyConfig(ctx, entries)
	})

	dialer := uplink.NewHubDialer(cfg.Cloud)
	dialer.SetLogger(log.Component("mqtt"))
	up := uplink.New(id, dialer, handler, uplink.WithSendTimeout(cfg.GetPublishTimeout()))
	up.SetLogger(log.Component("uplink"))
	defer func() {
		log.Info("closing telemetry uplink")
		if closeErr := up.Close(); closeErr != nil {
			log.Error("error closing uplink", "error", closeErr)
		}
	}()

	relayOpts := []relay.Option{relay.WithSensor(src, cfg.GetSensorInterval())}
	if influxClient != nil {
		relayOpts = append(relayOpts, relay.WithHistory(influxClient, deviceID))
	}
	rel = relay.New(cfg.Relay, store, up, relayOpts...)
	rel.SetLogger(log.Component("relay"))

	// A hub outage is not fatal: the next publish reconnects.
	if startErr := up.Start(ctx); startErr != nil {
		if errors.Is(startErr, identity.ErrHardwareUnavailable) {
			return fmt.Errorf("starting uplink: %w", startErr)
		}
		log.Warn("uplink not connected, will retry on next publish", "error", startErr)
	} else {
		log.Info("uplink connected", "device_id", deviceID)
	}

	if err := healthCheck(ctx, db, influxClient, bridgeServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if upErr := up.HealthCheck(ctx); upErr != nil {
		log.Warn("uplink unhealthy at startup", "error", upErr)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("value bridge listening", "socket", cfg.Bridge.SocketPath, "contract", cfg.Bridge.Contract)
		return bridgeServer.ListenAndServe(gctx)
	})
	if cfg.Bridge.WebSocket.Enabled {
		g.Go(func() error {
			return bridgeServer.ListenAndServeWebSocket(gctx)
		})
	}
	g.Go(func() error {
		return rel.Run(gctx)
	})

	if cfg.UI.Command != "" {
		sup := process.NewSupervisor(uiConfig(cfg, bridgeServer))
		sup.SetLogger(log.Component("ui"))
		if startErr := sup.Start(gctx); startErr != nil {
			log.Error("failed to start UI process", "error", startErr)
		} else {
			defer func() {
				log.Info("stopping UI process")
				if stopErr := sup.Stop(); stopErr != nil {
					log.Error("error stopping UI process", "error", stopErr)
				}
			}()
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("weather station stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses WEATHERSTATION_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WEATHERSTATION_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openIdentity opens the secure element slot and wraps it in an Identity.
func openIdentity(cfg config.DeviceConfig) (*identity.Identity, error) {
	element, err := identity.OpenKeyFile(cfg.ElementPath)
	if err != nil {
		return nil, err
	}
	return identity.New(element,
		identity.WithTokenFormat(cfg.TokenFormat),
		identity.WithTTL(time.Duration(cfg.TokenTTL)*time.Second),
	)
}

// openStore opens and migrates the database, then restores persisted
// values into store.
func openStore(ctx context.Context, cfg config.DatabaseConfig, store *valuestore.Store, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Path)

	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	n, err := store.Restore(ctx, valuestore.NewSQLiteRepository(db))
	if err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("restoring bridge values: %w", err)
	}
	log.Info("bridge values restored", "count", n)
	return db, nil
}

// newSensor returns the configured sensor driver.
func newSensor(cfg config.SensorConfig) (sensor.Sensor, error) {
	switch cfg.Driver {
	case config.SensorDriverSimulated:
		return sensor.NewSimulated(uint64(time.Now().UnixNano())), nil //nolint:gosec // Seed only
	case config.SensorDriverIIO:
		return sensor.NewIIO(cfg.IIODir), nil
	default:
		return nil, fmt.Errorf("unsupported sensor driver %q", cfg.Driver)
	}
}

// uiConfig builds the UI supervisor configuration. The UI learns where the
// bridge is through its environment and is considered hung when it runs
// past the attach timeout without a bridge peer.
func uiConfig(cfg *config.Config, srv *bridge.Server) process.Config {
	env := []string{
		envUISocket + "=" + cfg.Bridge.SocketPath,
		envUIContract + "=" + cfg.Bridge.Contract,
	}
	if cfg.Bridge.WebSocket.Enabled {
		env = append(env, envUIWSURL+"=ws://"+cfg.Bridge.WebSocket.Listen+cfg.Bridge.WebSocket.Path)
	}

	pc := process.FromUIConfig(cfg.UI, env)
	if cfg.UI.AttachTimeout > 0 {
		pc.HealthCheck = process.AttachHealthCheck(srv.Attached, time.Duration(cfg.UI.AttachTimeout)*time.Second)
	}
	return pc
}

// healthCheck verifies the local infrastructure is usable. The uplink is
// left out: a disconnected hub is an expected state.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client, srv *bridge.Server) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := srv.HealthCheck(ctx); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}
