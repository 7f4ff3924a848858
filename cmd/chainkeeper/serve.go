package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/chainkeeper/internal/api"
	"github.com/nerrad567/chainkeeper/internal/history"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/database"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/influxdb"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/logging"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/mqtt"
	"github.com/nerrad567/chainkeeper/internal/relay"
	"github.com/nerrad567/chainkeeper/migrations"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon with its HTTP API and telemetry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// serve runs the daemon until ctx is cancelled.
//
// Startup order: instance lock, history database, core, telemetry sinks,
// relay, API. Shutdown runs in reverse; deferred closes handle the
// infrastructure.
func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Logging, version)
	log.Info("starting chainkeeper",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	instanceLock, err := acquireLock(cfg, log)
	if err != nil {
		return err
	}
	defer releaseLock(instanceLock, log)

	// Open database
	db, err := database.Open(database.Config{
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	hist := history.NewSQLiteRepository(db.DB)
	if n, abandonErr := hist.AbandonOpenRuns(ctx, time.Now()); abandonErr != nil {
		return fmt.Errorf("closing stale runs: %w", abandonErr)
	} else if n > 0 {
		log.Warn("closed runs left open by a previous instance", "runs", n)
	}

	core, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	health := map[string]api.HealthChecker{"database": db}
	histSink := relay.NewHistory(hist)
	histSink.SetLogger(log.Component("history"))
	sinks := []relay.Sink{core.metrics, histSink}

	// Connect to MQTT broker (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		health["mqtt"] = mqttClient
		sinks = append(sinks, relay.NewMQTT(mqttClient, mqttClient.Topics(), mqttClient.QoS()))
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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
		health["influxdb"] = influxClient
		sinks = append(sinks, relay.NewInflux(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	rl := relay.New(core.bus, sinks...)
	rl.SetLogger(log.Component("relay"))
	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		rl.Run(relayCtx) //nolint:errcheck // sinks never fail the relay
	}()
	log.Info("event relay started", "sinks", rl.Sinks())

	var server *api.Server
	if cfg.API.Enabled {
		server, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Metrics:  cfg.Metrics,
			Logger:   log,
			Commands: core.orch,
			Events:   core.bus,
			History:  hist,
			Gatherer: core.metrics.Registry(),
			Health:   health,
			Version:  version,
		})
		if err == nil {
			err = server.Start(ctx)
		}
		if err != nil {
			stopRelay()
			core.bus.Close()
			<-relayDone
			return fmt.Errorf("starting API: %w", err)
		}
		if cfg.Security.JWT.Secret == "" {
			log.Warn("API authentication disabled; listening on loopback only", "address", server.Addr())
		}
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if server != nil {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}

	shutdownErr := core.shutdown(context.Background())

	// Closing the bus ends every relay subscription after its buffer drains.
	core.bus.Close()
	<-relayDone
	stopRelay()

	log.Info("chainkeeper stopped")
	return shutdownErr
}
