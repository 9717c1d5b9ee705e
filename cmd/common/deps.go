// Package common provides shared initialization for command implementations.
package common

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/leadharvest/bizcrawl/internal/config"
	"github.com/leadharvest/bizcrawl/internal/database"
	"github.com/leadharvest/bizcrawl/internal/logger"
)

// Flag values bound by the root command. Subcommands read them through
// NewCommandDeps rather than importing the root package.
var (
	CfgFile string
	Debug   bool
)

// CommandDeps holds the dependencies every command starts from.
type CommandDeps struct {
	Config *config.Config
	Logger logger.Interface
}

// NewCommandDeps loads configuration and builds the logger.
func NewCommandDeps() (CommandDeps, error) {
	cfg, err := config.Load(CfgFile)
	if err != nil {
		return CommandDeps{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return CommandDeps{}, fmt.Errorf("invalid config: %w", err)
	}

	logCfg := logger.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Development: cfg.Log.Development,
	}
	if Debug {
		logCfg.Level = "debug"
		logCfg.Development = true
	}

	log, err := logger.New(logCfg)
	if err != nil {
		return CommandDeps{}, fmt.Errorf("failed to create logger: %w", err)
	}

	return CommandDeps{Config: cfg, Logger: log}, nil
}

// OpenDatabase connects to Postgres using the loaded configuration.
func (d CommandDeps) OpenDatabase() (*sqlx.DB, error) {
	db, err := database.NewPostgresConnection(database.Config{
		Host:     d.Config.Database.Host,
		Port:     d.Config.Database.Port,
		User:     d.Config.Database.User,
		Password: d.Config.Database.Password,
		DBName:   d.Config.Database.DBName,
		SSLMode:  d.Config.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
