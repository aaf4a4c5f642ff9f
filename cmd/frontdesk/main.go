package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/frontdesk/internal/config"
	"github.com/ehr/frontdesk/internal/domain/patient"
	"github.com/ehr/frontdesk/internal/domain/scheduling"
	"github.com/ehr/frontdesk/internal/platform/db"
	"github.com/ehr/frontdesk/internal/platform/events"
	"github.com/ehr/frontdesk/internal/platform/kafka"
	"github.com/ehr/frontdesk/internal/platform/middleware"
	"github.com/ehr/frontdesk/internal/platform/validate"
	"github.com/ehr/frontdesk/internal/platform/websocket"
	"github.com/ehr/frontdesk/migrations"
)

// Process exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitValidation = 2
	exitSlotFull   = 3
)

// errSlotFull reports a booking refused for capacity.
var errSlotFull = errors.New("slot is at capacity")

func main() {
	rootCmd := &cobra.Command{
		Use:           "frontdesk",
		Short:         "Front-desk appointment scheduling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(appointmentsCmd())
	rootCmd.AddCommand(patientsCmd())
	rootCmd.AddCommand(eventsCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errSlotFull):
		return exitSlotFull
	case scheduling.IsValidation(err):
		return exitValidation
	}
	return exitFailure
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

// deps holds what every database-backed command needs.
type deps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	detector *scheduling.Detector
	patients patient.Repository
	svc      *scheduling.Service
	closers  []func()
}

func (rt *deps) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// openDeps loads config, connects and builds the scheduling service.
// Events go to pub; when pub is nil and Kafka is configured, changes made
// from the command line are written straight to the topic.
func openDeps(ctx context.Context, pub events.Publisher) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	rt := &deps{cfg: cfg, logger: logger, pool: pool, closers: []func(){pool.Close}}

	if pub == nil && cfg.KafkaEnabled() {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { producer.Close() })
		pub = producer
	}
	if pub == nil {
		pub = events.Nop
	}

	rt.detector = scheduling.NewDetector(scheduling.NewPGProber(pool, logger), logger)
	rt.patients = patient.NewRepoPG(pool)
	rt.svc = scheduling.NewService(
		scheduling.NewAppointmentRepoPG(pool),
		rt.detector,
		scheduling.WithLogger(logger),
		scheduling.WithPublisher(pub),
		scheduling.WithMaxConcurrent(cfg.SlotCapacity),
		scheduling.WithStrictUpdates(cfg.StrictUpdates),
		scheduling.WithPatientDirectory(patient.NewDirectory(rt.patients, logger)),
	)
	return rt, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the front-desk API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Requests only touch the feed; the hub and Kafka read from it.
	feed := events.NewFeed(256)
	defer feed.Close()

	rt, err := openDeps(ctx, feed)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger
	cfg := rt.cfg
	hub := websocket.NewHub(logger)
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	go events.Forward(ctx, feed, hub, nil)
	if cfg.KafkaEnabled() {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return err
		}
		defer producer.Close()
		go events.Forward(ctx, feed, producer, func(e events.Event, err error) {
			logger.Warn().Err(err).Str("type", string(e.Type)).Int64("appointment_id", e.AppointmentID).Msg("kafka publish failed")
		})
	}

	caps := rt.detector.Current(ctx)
	logger.Info().Bool("status", caps.Status).Bool("audit_columns", caps.AuditColumns).
		Bool("visit_reference", caps.VisitReference).Msg("serving with schema capabilities")

	e, err := newServer(rt, hub)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware and every route.
func newServer(rt *deps, hub *websocket.Hub) (*echo.Echo, error) {
	v := validate.New()
	if err := scheduling.RegisterValidators(v); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = v

	e.Use(middleware.Recovery(rt.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(rt.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: rt.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(rt.cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(rt.pool, func(ctx context.Context) (string, interface{}) {
		return "capabilities", rt.detector.Current(ctx)
	}))

	websocket.NewHandler(hub).RegisterRoutes(e.Group(""))
	scheduling.NewHandler(rt.svc).RegisterRoutes(e.Group("/api/v1"))
	return e, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")
			return withMigrator(cmdContext(cmd), func(ctx context.Context, pool *pgxpool.Pool, m *db.Migrator, schema string) error {
				if err := db.CreateSchema(ctx, pool, schema, nil, 0); err != nil {
					return err
				}
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.UpTo(ctx, schema, to)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this schema version (0 applies everything)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmdContext(cmd), func(ctx context.Context, _ *pgxpool.Pool, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					state, at := "pending", ""
					if s.Applied {
						state = "applied"
						if s.AppliedAt != nil {
							at = s.AppliedAt.Format(time.RFC3339)
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd)
	return cmd
}

func withMigrator(ctx context.Context, fn func(ctx context.Context, pool *pgxpool.Pool, m *db.Migrator, schema string) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "public", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool, db.NewMigrator(pool, migrations.FS), cfg.DBSchema)
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Show which optional appointment columns the database has",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			rt, err := openDeps(ctx, events.Nop)
			if err != nil {
				return err
			}
			defer rt.Close()

			caps := rt.svc.Capabilities(ctx)
			for _, f := range []scheduling.Feature{
				scheduling.FeatureStatus, scheduling.FeatureAuditColumns, scheduling.FeatureVisitReference,
			} {
				fmt.Printf("%-16s %s\n", f, yesNo(caps.Has(f)))
			}
			return nil
		},
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
