package main

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/i5heu/ouroboros-graph/internal/config"
	"github.com/i5heu/ouroboros-graph/pkg/logging"
)

func loadConfig(c *cli.Context) (config.Config, *logrus.Logger, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	if c.IsSet("log-level") {
		conf.Log.Level = c.String("log-level")
	}
	if err := conf.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	return conf, logging.New(conf.Log.Level), nil
}

func streamFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "stream", Usage: "stream id", Required: true},
		&cli.StringFlag{Name: "object", Usage: "root object id", Required: true},
	}
}
