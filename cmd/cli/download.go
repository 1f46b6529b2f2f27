package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/i5heu/ouroboros-graph/internal/binaryCoder"
	"github.com/i5heu/ouroboros-graph/internal/config"
	"github.com/i5heu/ouroboros-graph/internal/keyValStore"
	"github.com/i5heu/ouroboros-graph/pkg/downloader"
	"github.com/i5heu/ouroboros-graph/pkg/interfaces"
	"github.com/i5heu/ouroboros-graph/pkg/loader"
	"github.com/i5heu/ouroboros-graph/pkg/model"
	"github.com/i5heu/ouroboros-graph/pkg/store"
)

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:  "download",
		Usage: "load an object and its closure from a server into a local store",
		Flags: append(streamFlags(),
			&cli.StringFlag{Name: "server", Usage: "object server url, overrides downloader.serverUrl"},
			&cli.StringFlag{Name: "token", Usage: "bearer token, overrides downloader.token"},
			&cli.StringFlag{Name: "backend", Value: "badger", Usage: "badger, bolt or memory"},
			&cli.StringFlag{Name: "out", Value: "./graph-cache", Usage: "directory (badger) or file (bolt) of the local store"},
		),
		Action: func(c *cli.Context) error {
			conf, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("server") {
				conf.Downloader.ServerURL = c.String("server")
			}
			if c.IsSet("token") {
				conf.Downloader.Token = c.String("token")
			}
			compression, err := conf.Compression()
			if err != nil {
				return err
			}
			db, err := openDatabase(c.String("backend"), c.String("out"), compression, logger)
			if err != nil {
				return err
			}

			l, err := loader.New(loaderOptions(conf, c.String("stream"), c.String("object"), db, logger))
			if err != nil {
				return err
			}

			started := time.Now()
			count := 0
			iterErr := l.Iterate(c.Context, func(*model.Base) error {
				count++
				return nil
			})
			closeErr := l.Close(c.Context)
			if iterErr != nil {
				return iterErr
			}
			if closeErr != nil {
				return closeErr
			}

			logger.WithFields(logrus.Fields{
				"objects": count,
				"took":    time.Since(started).String(),
			}).Info("Download finished")
			fmt.Println(count)
			return nil
		},
	}
}

func loaderOptions(conf config.Config, streamID, objectID string, db interfaces.Database, logger logrus.FieldLogger) loader.Options {
	return loader.Options{
		RootID:   objectID,
		Database: db,
		Downloader: downloader.NewHTTPDownloader(downloader.HTTPConfig{
			ServerURL:         conf.Downloader.ServerURL,
			StreamID:          streamID,
			ObjectID:          objectID,
			Token:             conf.Downloader.Token,
			MaxBatchSize:      conf.Downloader.MaxBatchSize,
			RequestsPerSecond: conf.Downloader.RequestsPerSecond,
			Logger:            logger,
		}),
		CacheMaxItems:   conf.Loader.CacheMaxItems,
		CacheMaxBytes:   conf.Loader.CacheMaxBytes,
		LookupBatchSize: conf.Loader.BatchSize,
		SaveBatchSize:   conf.Loader.BatchSize,
		MaxWait:         conf.Loader.MaxWait,
		Logger:          logger,
	}
}

func openDatabase(backend, path string, compression binaryCoder.Compression, logger logrus.FieldLogger) (interfaces.Database, error) {
	switch backend {
	case "badger":
		return store.OpenBadgerDatabase(keyValStore.StoreConfig{Paths: []string{path}, Logger: logger}, compression)
	case "bolt":
		return store.OpenBoltDatabase(path, compression)
	case "memory":
		return store.NewMemoryDatabase(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}
