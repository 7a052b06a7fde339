// carrelay relays movement commands to connected vehicles and keeps a
// ledger of every command and obstacle report.
//
// The serve command (the default) opens the SQLite ledger, applies
// migrations, connects the optional integrations (MQTT firmware bridge,
// InfluxDB telemetry, Redis status cache) and serves the HTTP API and
// socket transport until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/carrelay/migrations"

	"github.com/nerrad567/carrelay/internal/api"
	"github.com/nerrad567/carrelay/internal/bridges/firmware"
	"github.com/nerrad567/carrelay/internal/device"
	"github.com/nerrad567/carrelay/internal/dispatch"
	"github.com/nerrad567/carrelay/internal/eventlog"
	"github.com/nerrad567/carrelay/internal/infrastructure/config"
	"github.com/nerrad567/carrelay/internal/infrastructure/database"
	"github.com/nerrad567/carrelay/internal/infrastructure/influxdb"
	"github.com/nerrad567/carrelay/internal/infrastructure/logging"
	"github.com/nerrad567/carrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/carrelay/internal/infrastructure/statuscache"
	"github.com/nerrad567/carrelay/internal/registry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is tolerated when missing; an explicit path is not.
const defaultConfigPath = "configs/config.yaml"

// defaultPruneAge is the cutoff for `carrelay prune` without --older-than.
const defaultPruneAge = 30 * 24 * time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions holds the persistent flags.
type cliOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "carrelay",
		Short: "Vehicle command relay and event ledger",
		Long: `carrelay accepts movement commands over HTTP and WebSocket, records them
in a SQLite ledger and pushes them to the vehicles connected for each device.

Examples:
  carrelay                          # Serve with configs/config.yaml or defaults
  carrelay --config /etc/carrelay.yaml serve
  carrelay migrate                  # Apply pending migrations and exit
  carrelay migrate --status         # List applied and pending migrations
  carrelay prune --older-than 720h  # Delete events older than 30 days`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file path (overrides CARRELAY_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"log at debug level regardless of logging.level")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newPruneCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newMigrateCmd(opts *cliOptions) *cobra.Command {
	var dryRun, status, rollback bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status && rollback {
				return errors.New("--status and --rollback are mutually exclusive")
			}
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			dbCfg := database.ConfigFrom(cfg.Database)
			if dryRun {
				dbCfg = database.Config{Path: database.MemoryPath}
			}
			out := cmd.OutOrStdout()

			switch {
			case status:
				return withDB(dbCfg, func(db *database.DB) error {
					return printMigrationStatus(cmd.Context(), db, out)
				})
			case rollback:
				return withDB(dbCfg, func(db *database.DB) error {
					version, err := db.Rollback(cmd.Context())
					if err != nil {
						return err
					}
					if version == "" {
						fmt.Fprintln(out, "nothing to roll back")
						return nil
					}
					log.Warn("migration rolled back", "version", version)
					fmt.Fprintf(out, "rolled back %s\n", version)
					return nil
				})
			}

			applied, err := migrate(cmd.Context(), dbCfg)
			if err != nil {
				return err
			}
			log.Info("migrations applied", "count", applied, "dry_run", dryRun)
			fmt.Fprintf(out, "applied %d migration(s)\n", applied)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "apply migrations to an in-memory database only")
	cmd.Flags().BoolVar(&status, "status", false, "list applied and pending migrations without changing anything")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "revert the most recent migration")
	return cmd
}

func printMigrationStatus(ctx context.Context, db *database.DB, w io.Writer) error {
	st, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	drifted := make(map[string]bool, len(st.Drifted))
	for _, v := range st.Drifted {
		drifted[v] = true
	}
	for _, a := range st.Applied {
		state := "applied"
		if drifted[a.Version] {
			state = "drifted"
		}
		fmt.Fprintf(w, "%-8s %s %s\n", state, a.Version, a.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range st.Pending {
		fmt.Fprintf(w, "%-8s %s %s\n", "pending", m.Version, m.Name)
	}
	return nil
}

func newPruneCmd(opts *cliOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete device events older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			deleted, err := prune(cmd.Context(), database.ConfigFrom(cfg.Database), olderThan)
			if err != nil {
				return err
			}
			log.Info("events pruned", "deleted", deleted, "older_than", olderThan.String())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d event(s)\n", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", defaultPruneAge, "delete events older than this age")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "carrelay %s\n", version)
	fmt.Fprintf(w, "  commit: %s\n", commit)
	fmt.Fprintf(w, "  built:  %s\n", date)
}

// resolveConfigPath picks the config file: flag, then CARRELAY_CONFIG, then the
// default. Only the default may be missing.
func (o *cliOptions) resolveConfigPath() (path string, allowMissing bool) {
	if o.configPath != "" {
		return o.configPath, false
	}
	if env := os.Getenv("CARRELAY_CONFIG"); env != "" {
		return env, false
	}
	return defaultConfigPath, true
}

func loadConfig(opts *cliOptions) (*config.Config, *logging.Logger, error) {
	path, allowMissing := opts.resolveConfigPath()
	cfg, err := config.Load(path, allowMissing)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)
	if opts.verbose {
		log.SetLevel("debug")
	}
	return cfg, log, nil
}

// withDB opens the database for a one-shot command.
func withDB(dbCfg database.Config, fn func(db *database.DB) error) error {
	db, err := database.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Nothing left to flush
	return fn(db)
}

func migrate(ctx context.Context, dbCfg database.Config) (applied int, err error) {
	err = withDB(dbCfg, func(db *database.DB) error {
		applied, err = db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		return nil
	})
	return applied, err
}

func prune(ctx context.Context, dbCfg database.Config, olderThan time.Duration) (deleted int64, err error) {
	err = withDB(dbCfg, func(db *database.DB) error {
		if _, err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		deleted, err = eventlog.NewSQLiteGateway(db.DB).PruneEvents(ctx, time.Now().UTC().Add(-olderThan))
		return err
	})
	return deleted, err
}

func runServe(ctx context.Context, opts *cliOptions) error {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	return run(ctx, cfg, log)
}

// run wires the relay and blocks until ctx is cancelled.
// Deferred closes run in reverse order of opening.
func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("starting carrelay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	db, err := database.Open(database.ConfigFrom(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	applied, err := db.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", applied)

	events := eventlog.NewSQLiteGateway(db.DB)
	devices := device.NewSQLiteRepository(db.DB)

	conns := registry.New(registry.Options{
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
		Directory:       devices,
	})
	conns.SetLogger(log.Component("registry"))

	influxClient, err := connectInflux(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	cache, err := connectStatusCache(cfg, log)
	if err != nil {
		return err
	}
	if cache != nil {
		defer func() {
			if closeErr := cache.Close(); closeErr != nil {
				log.Error("error closing status cache", "error", closeErr)
			}
		}()
	}

	dispatchDeps := dispatch.Deps{
		Gateway:   events,
		Publisher: conns,
		Logger:    log.Component("dispatch"),
	}
	// Typed nils must not reach the optional interfaces.
	if influxClient != nil {
		dispatchDeps.Telemetry = influxClient
	}
	if cache != nil {
		dispatchDeps.Cache = cache
	}
	dispatcher, err := dispatch.New(dispatchDeps)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	var mqttClient *mqtt.Client
	var bridge *firmware.Bridge
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
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, err = firmware.NewBridge(firmware.Options{
			MQTT:       mqttClient,
			Topics:     mqttClient.Topics(),
			Dispatcher: dispatcher,
			Logger:     log.Component("firmware"),
		})
		if err != nil {
			return fmt.Errorf("creating firmware bridge: %w", err)
		}
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("starting firmware bridge: %w", err)
		}
		defer func() {
			log.Info("stopping firmware bridge")
			bridge.Stop()
		}()
		dispatcher.SetMirror(bridge)
	} else {
		log.Info("MQTT firmware bridge disabled")
	}

	srv, err := api.New(buildAPIDeps(cfg, log, apiCollaborators{
		dispatcher: dispatcher,
		registry:   conns,
		events:     events,
		devices:    devices,
		db:         db,
		cache:      cache,
		mqtt:       mqttClient,
		influx:     influxClient,
		bridge:     bridge,
	}))
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete", "address", srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Retention.Days > 0 {
		g.Go(func() error {
			retentionLoop(gctx, events, cfg.Retention, log)
			return nil
		})
	}

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return g.Wait()
}

// apiCollaborators groups what run hands to the API server. Optional
// integrations are nil when disabled.
type apiCollaborators struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	events     *eventlog.SQLiteGateway
	devices    *device.SQLiteRepository
	db         *database.DB
	cache      *statuscache.Cache
	mqtt       *mqtt.Client
	influx     *influxdb.Client
	bridge     *firmware.Bridge
}

func buildAPIDeps(cfg *config.Config, log *logging.Logger, c apiCollaborators) api.Deps {
	deps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log.Component("api"),
		Dispatcher:  c.dispatcher,
		Registry:    c.registry,
		Events:      c.events,
		Devices:     c.devices,
		DB:          c.db,
		ServiceName: cfg.Service.Name,
		Version:     version,
	}
	if c.cache != nil {
		deps.Status = c.cache
	}
	if c.mqtt != nil {
		deps.MQTT = c.mqtt
	}
	if c.influx != nil {
		deps.Influx = c.influx
	}
	if c.bridge != nil {
		deps.Firmware = c.bridge
	}
	return deps
}

func connectInflux(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

func connectStatusCache(cfg *config.Config, log *logging.Logger) (*statuscache.Cache, error) {
	cache, err := statuscache.Connect(cfg.Redis)
	if errors.Is(err, statuscache.ErrDisabled) {
		log.Info("status cache disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to status cache: %w", err)
	}
	log.Info("status cache connected", "ttl", cfg.Redis.StatusTTL.String())
	return cache, nil
}

// healthCheck verifies the infrastructure connections. mqttClient and
// influxClient may be nil when disabled.
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

// pruner is the slice of the event log the retention loop needs.
type pruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// retentionLoop deletes events older than cfg.Days every cfg.Interval.
func retentionLoop(ctx context.Context, p pruner, cfg config.RetentionConfig, log *logging.Logger) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	keep := time.Duration(cfg.Days) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pruneOnce(ctx, p, keep, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneOnce(ctx context.Context, p pruner, keep time.Duration, log *logging.Logger) {
	deleted, err := p.PruneEvents(ctx, time.Now().UTC().Add(-keep))
	if err != nil {
		if ctx.Err() == nil {
			log.Error("event retention failed", "error", err)
		}
		return
	}
	if deleted > 0 {
		log.Info("old events pruned", "deleted", deleted)
	}
}
