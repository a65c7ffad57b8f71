package main

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"miqa/pkg/config"
	"miqa/pkg/inference"
	"miqa/pkg/logging"
	"miqa/pkg/volume"
)

type commandContext struct {
	configFlag *string
	levelFlag  *string
	formatFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag, levelFlag, formatFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		levelFlag:  levelFlag,
		formatFlag: formatFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg := config.DefaultConfig()
		if path != "" {
			loaded, err := config.LoadConfig(path)
			if err != nil {
				c.configErr = err
				return
			}
			cfg = loaded
		}
		if c.levelFlag != nil && *c.levelFlag != "" {
			cfg.Output.LogLevel = *c.levelFlag
		}
		if c.formatFlag != nil && *c.formatFlag != "" {
			cfg.Output.LogFormat = *c.formatFlag
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.New(logging.Options{
			Level:  cfg.Output.LogLevel,
			Format: cfg.Output.LogFormat,
		})
		if c.loggerErr == nil {
			slog.SetDefault(c.logger)
		}
	})
	return c.logger, c.loggerErr
}

// setup returns the loaded configuration and logger.
func (c *commandContext) setup() (*config.Config, *slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (c *commandContext) registry(cfg *config.Config, logger *slog.Logger) *inference.Registry {
	return &inference.Registry{
		Dir:     cfg.Model.ModelsDir,
		Models:  cfg.Models,
		Factory: cfg.Factory(),
		Loader:  volume.NewFileLoader(),
		Logger:  logger,
	}
}

// progress prints training dots on stdout when it is a terminal.
func progress() *logging.Progress {
	return logging.NewProgress(os.Stdout)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
