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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-graph/api"
	"github.com/i5heu/ouroboros-graph/internal/config"
	"github.com/i5heu/ouroboros-graph/internal/keyValStore"
	"github.com/i5heu/ouroboros-graph/pkg/logging"
	"github.com/i5heu/ouroboros-graph/pkg/objects"
	workerpool "github.com/i5heu/ouroboros-graph/pkg/workerPool"
)

func main() {
	app := &cli.App{
		Name:  "ouroboros-graph-daemon",
		Usage: "serve stream objects and children queries over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the YAML config", EnvVars: []string{"OUROBOROS_GRAPH_CONFIG"}},
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "data", Usage: "path to the data directory"},
			&cli.StringFlag{Name: "log-level", Usage: "panic, fatal, error, warn, info, debug or trace"},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger := logging.New(conf.Log.Level)

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, conf, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(c *cli.Context) (config.Config, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet("listen") {
		conf.Server.Listen = c.String("listen")
	}
	if c.IsSet("data") {
		conf.Storage.Path = c.String("data")
	}
	if c.IsSet("log-level") {
		conf.Log.Level = c.String("log-level")
	}
	return conf, conf.Validate()
}

// run is the daemon logic, separated from flag handling.
func run(ctx context.Context, conf config.Config, logger *logrus.Logger) error {
	compression, err := conf.Compression()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(conf.Storage.Path, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{conf.Storage.Path},
		MinimumFreeSpace: conf.Storage.MinimumFreeGB,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.WithError(err).Error("Closing store failed")
		}
	}()
	kv.StartTransactionCounter(time.Minute)

	pool := workerpool.NewWorkerPool(workerpool.Config{})
	defer pool.Close()

	repo, err := objects.NewStore(objects.Config{
		KV:          kv,
		Compression: compression,
		Pool:        pool,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []api.Option{api.WithLogger(logger), api.WithRegistry(reg)}
	if conf.Server.Token != "" {
		opts = append(opts, api.WithAuth(api.BearerToken(conf.Server.Token)))
	}
	server := &http.Server{
		Addr:              conf.Server.Listen,
		Handler:           api.New(repo, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler, err := newScheduler(conf.Storage.GCSchedule, kv, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.WithFields(logrus.Fields{
		"listen":      conf.Server.Listen,
		"dataPath":    conf.Storage.Path,
		"compression": compression.String(),
	}).Info("Starting ouroboros-graph daemon")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newScheduler runs badger garbage collection on schedule. An empty
// schedule yields a scheduler without jobs.
func newScheduler(schedule string, kv *keyValStore.KeyValStore, logger logrus.FieldLogger) (*cron.Cron, error) {
	cronLog := cronLogger{log: logger.WithField("action", "cron")}
	cr := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if schedule == "" {
		return cr, nil
	}
	_, err := cr.AddFunc(schedule, func() {
		started := time.Now()
		if err := kv.Clean(); err != nil {
			logger.WithError(err).Error("Store garbage collection failed")
			return
		}
		logger.WithField("took", time.Since(started)).Info("Store garbage collection finished")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule garbage collection: %w", err)
	}
	return cr, nil
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
