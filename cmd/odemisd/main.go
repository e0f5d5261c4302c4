// Odemisd - Odemis backend daemon
//
// odemisd hosts one container of components, built from its configuration,
// and serves it to the other Odemis processes. The components are simulated
// hardware: a sensor, a stage, a lamp and the microscope grouping them.
//
// Optionally, the VAs of the container are mirrored on an MQTT broker (and
// can be set from it), and their numeric values and the DataFlow throughput
// are recorded in InfluxDB. Additional backend processes can be supervised.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/delmic/odemis-sub009/internal/audit"
	"github.com/delmic/odemis-sub009/internal/component"
	"github.com/delmic/odemis-sub009/internal/directory"
	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
	"github.com/delmic/odemis-sub009/internal/infrastructure/database"
	"github.com/delmic/odemis-sub009/internal/infrastructure/influxdb"
	"github.com/delmic/odemis-sub009/internal/infrastructure/logging"
	"github.com/delmic/odemis-sub009/internal/infrastructure/mqtt"
	"github.com/delmic/odemis-sub009/internal/mirror"
	"github.com/delmic/odemis-sub009/internal/process"
	"github.com/delmic/odemis-sub009/internal/registry"
	"github.com/delmic/odemis-sub009/internal/simulated"
	"github.com/delmic/odemis-sub009/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/odemisd.yaml"

// dataflowReportPeriod is the interval of the DataFlow throughput reports.
const dataflowReportPeriod = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the backend and blocks until ctx ends. Resources are released
// in reverse order of creation by the deferred calls.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting odemisd", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "container", cfg.Backend.Container)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Directory.Path,
		WALMode:     cfg.Directory.WALMode,
		BusyTimeout: cfg.Directory.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening directory: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing directory", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrating directory: %w", err)
	}
	dir := directory.New(db.DB)
	dir.SetJournal(audit.NewSQLiteRepository(db.DB))
	log.Info("directory opened", "path", cfg.Directory.Path)

	reg, err := registry.New(registry.Deps{
		Directory: dir,
		Transport: cfg.Transport,
		Security:  cfg.Security,
		Logger:    log,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating registry: %w", err)
	}
	defer func() {
		log.Info("terminating containers")
		reg.Close()
	}()

	ct, err := reg.CreateContainer(ctx, cfg.Backend.Container)
	if err != nil {
		return fmt.Errorf("creating container %s: %w", cfg.Backend.Container, err)
	}
	if _, err := simulated.Build(ct, cfg.Backend, log); err != nil {
		return fmt.Errorf("building components: %w", err)
	}
	if srv, ok := reg.Server(ct.Name()); ok {
		log.Info("container served", "container", ct.Name(), "url", srv.URL())
	}

	var sinks []mirror.Sink

	var mqttClient *mqtt.Client
	var mqttSink *mirror.MQTTSink
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))

		mqttSink = mirror.NewMQTTSink(mqttClient, byte(cfg.MQTT.QoS))
		mqttSink.SetLogger(log)
		sinks = append(sinks, mqttSink)
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
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		sinks = append(sinks, mirror.NewInfluxSink(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	if len(sinks) > 0 {
		m, err := startMirror(ct, sinks, influxClient != nil, log)
		if err != nil {
			return err
		}
		defer m.Stop()

		if mqttSink != nil {
			// The broker may have lost the retained values while we were away.
			mqttClient.SetOnConnect(func() {
				log.Info("MQTT reconnected, republishing state", "container", ct.Name())
				m.Resync()
			})
			if err := mqttSink.ListenCommands(m); err != nil {
				return fmt.Errorf("listening to MQTT commands: %w", err)
			}
			defer func() {
				if err := mqttSink.StopCommands(ct.Name()); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
					log.Warn("error stopping MQTT commands", "error", err)
				}
			}()
		}
	}

	group := process.NewGroup(cfg.Supervise, func(ctx context.Context, container string) error {
		_, err := dir.Resolve(ctx, container)
		return err
	})
	group.SetLogger(log)
	if err := group.Start(ctx); err != nil {
		return fmt.Errorf("starting supervised processes: %w", err)
	}
	defer func() {
		if stopErr := group.Stop(); stopErr != nil {
			log.Error("error stopping supervised processes", "error", stopErr)
		}
	}()

	if err := healthCheck(ctx, db, reg, ct.Name()); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: supervised processes, MQTT
	// commands, mirror, InfluxDB, MQTT, containers, directory.
	log.Info("odemisd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ODEMIS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ODEMIS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startMirror mirrors the VAs of ct to sinks and, when counting is set,
// reports the DataFlow throughput.
func startMirror(ct *component.Container, sinks []mirror.Sink, counting bool, log *logging.Logger) (*mirror.Mirror, error) {
	m := mirror.New(ct, sinks...)
	m.SetLogger(log)
	if err := m.Start(); err != nil {
		return nil, fmt.Errorf("starting mirror: %w", err)
	}
	if counting {
		if err := m.CountDataFlows(dataflowReportPeriod); err != nil {
			m.Stop()
			return nil, fmt.Errorf("counting dataflows: %w", err)
		}
	}
	log.Info("mirror started", "container", ct.Name(), "sinks", len(sinks))
	return m, nil
}

// healthCheck verifies the directory is reachable and that the container
// resolves to this process.
func healthCheck(ctx context.Context, db *database.DB, reg *registry.Registry, container string) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("directory: %w", err)
	}

	srv, ok := reg.Server(container)
	if !ok {
		return fmt.Errorf("container %s is not served", container)
	}
	if err := srv.HealthCheck(ctx); err != nil {
		return fmt.Errorf("container %s: %w", container, err)
	}

	e, err := reg.Directory().Resolve(ctx, container)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if e.PID != os.Getpid() {
		return fmt.Errorf("container %s is bound to pid %d", container, e.PID)
	}
	return nil
}
