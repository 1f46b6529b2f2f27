package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/i5heu/ouroboros-graph/api"
	"github.com/i5heu/ouroboros-graph/internal/keyValStore"
	"github.com/i5heu/ouroboros-graph/pkg/objects"
	"github.com/i5heu/ouroboros-graph/pkg/objects/postgres"
)

const exportChunkSize = 1000

func dsnFlag() cli.Flag {
	return &cli.StringFlag{Name: "dsn", Usage: "postgres connection string, overrides postgres.dsn"}
}

func openPostgres(c *cli.Context) (*postgres.Repository, *logrus.Logger, error) {
	conf, logger, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	dsn := conf.Postgres.DSN
	if c.IsSet("dsn") {
		dsn = c.String("dsn")
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("no postgres dsn configured")
	}
	repo, err := postgres.Open(c.Context, dsn, logger)
	return repo, logger, err
}

func pgMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "pg-migrate",
		Usage: "create the objects table",
		Flags: []cli.Flag{dsnFlag()},
		Action: func(c *cli.Context) error {
			repo, _, err := openPostgres(c)
			if err != nil {
				return err
			}
			defer repo.Close()
			return repo.EnsureSchema(c.Context)
		},
	}
}

func pgExportCommand() *cli.Command {
	return &cli.Command{
		Name:  "pg-export",
		Usage: "copy an object and its closure from the daemon store into postgres",
		Flags: append(streamFlags(), dsnFlag(),
			&cli.StringFlag{Name: "data", Usage: "daemon data directory, overrides storage.path"},
		),
		Action: func(c *cli.Context) error {
			conf, _, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("data") {
				conf.Storage.Path = c.String("data")
			}
			repo, logger, err := openPostgres(c)
			if err != nil {
				return err
			}
			defer repo.Close()
			if err := repo.EnsureSchema(c.Context); err != nil {
				return err
			}

			kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{Paths: []string{conf.Storage.Path}, Logger: logger})
			if err != nil {
				return err
			}
			defer kv.Close()
			compression, err := conf.Compression()
			if err != nil {
				return err
			}
			src, err := objects.NewStore(objects.Config{KV: kv, Compression: compression, Logger: logger})
			if err != nil {
				return err
			}
			defer src.Close()

			streamID, objectID := c.String("stream"), c.String("object")
			root, err := src.GetObject(c.Context, streamID, objectID)
			if err != nil {
				return err
			}
			chunk := []objects.Object{root}
			exported := 0
			flush := func() error {
				if err := repo.CreateObjects(c.Context, streamID, chunk); err != nil {
					return err
				}
				exported += len(chunk)
				chunk = chunk[:0]
				return nil
			}
			err = src.GetObjectChildrenStream(c.Context, streamID, objectID, func(o objects.Object) error {
				chunk = append(chunk, o)
				if len(chunk) >= exportChunkSize {
					return flush()
				}
				return nil
			})
			if err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{"stream": streamID, "objects": exported}).Info("Export finished")
			return nil
		},
	}
}

func pgQueryCommand() *cli.Command {
	return &cli.Command{
		Name:      "pg-query",
		Usage:     "run a children query against postgres",
		ArgsUsage: "[query.json]",
		Flags:     append(streamFlags(), dsnFlag()),
		Action: func(c *cli.Context) error {
			var body []byte
			if path := c.Args().First(); path != "" {
				var err error
				if body, err = os.ReadFile(path); err != nil {
					return err
				}
			}
			q, err := api.ParseChildrenQuery(body, c.String("object"))
			if err != nil {
				return err
			}
			repo, _, err := openPostgres(c)
			if err != nil {
				return err
			}
			defer repo.Close()

			res, err := repo.GetObjectChildrenQuery(c.Context, c.String("stream"), q)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
