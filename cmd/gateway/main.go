package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gobranch/appsync-third-party-gateway/pkg/config"
	"github.com/gobranch/appsync-third-party-gateway/pkg/faults"
	"github.com/gobranch/appsync-third-party-gateway/pkg/gateway"
	"github.com/gobranch/appsync-third-party-gateway/pkg/httpserver"
	"github.com/gobranch/appsync-third-party-gateway/pkg/identity"
	"github.com/gobranch/appsync-third-party-gateway/pkg/reporting"
	"github.com/gobranch/appsync-third-party-gateway/pkg/upstream"
)

// version is set at build time via -ldflags.
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "gateway authenticates GraphQL callers and delegates their operations to a backend service",
	Long: `gateway sits in front of a single GraphQL backend. It resolves the
Authorization header of every request to a caller identity, validates the
operation against its own schema, and forwards it to the backend with the
identity injected as an argument on every root field.`,
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "serve starts the HTTP gateway",
	Example: "gateway serve --config gateway.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version prints the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().StringVar(&configFile, "config", "", "path to the config file, empty means defaults and environment only")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, zapLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zapLogger.Sync() }()

	schemaBytes, err := os.ReadFile(cfg.SchemaFile)
	if err != nil {
		return errors.Wrap(err, "read schema file")
	}
	schema, err := gateway.NewSchema(schemaBytes)
	if err != nil {
		return err
	}

	store, closeStore, err := newStore(cfg.Credentials)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, err := newSink(cfg.Sentry)
	if err != nil {
		return errors.Wrap(err, "configure fault sink")
	}
	defer sink.Flush(2 * time.Second)

	pipeline, err := gateway.NewPipeline(gateway.PipelineOptions{
		Schema:   schema,
		Resolver: identity.NewResolver(store, logger),
		Backend: upstream.NewClient(upstream.Options{
			URL:    cfg.Backend.URL,
			APIKey: cfg.Backend.APIKey,
			Logger: logger,
		}),
		Sink:   sink,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpserver.NewRouter(pipeline, logger),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			log.String("addr", cfg.ListenAddr),
			log.String("backend", cfg.Backend.URL),
			log.String("version", version),
		)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case sig := <-shutdown:
		logger.Info("gateway shutting down", log.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

func newLogger(level string) (log.Logger, *zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = atomicLevel
	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, errors.Wrap(err, "build logger")
	}

	return log.NewZapLogger(zapLogger, log.DebugLevel), zapLogger, nil
}

// newStore opens the badger credential store, or falls back to the
// in-memory store seeded from the config for local development.
func newStore(cfg config.CredentialsConfig) (identity.Store, func(), error) {
	if cfg.Dir != "" {
		store, err := identity.OpenBadgerStore(cfg.Dir)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open credential store")
		}
		return store, func() { _ = store.Close() }, nil
	}
	return identity.NewMemoryStore(cfg.Dev), func() {}, nil
}

func newSink(cfg config.SentryConfig) (faults.Sink, error) {
	if cfg.DSN == "" {
		return reporting.NoopReporter{}, nil
	}
	return reporting.NewSentryReporter(reporting.SentryOptions{
		DSN:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     version,
	})
}
