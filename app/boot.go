package app

import (
	"fmt"

	"promptforge/config"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Boot loads .env and the environment into config.Config and builds the
// process logger.
func Boot() (*App, error) {
	envErr := godotenv.Load()

	if err := config.InitConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	logger := config.NewLogger(config.Config.Server.Env)
	if envErr != nil {
		logger.Info("⚠️  No .env file found, using system environment variables")
	}
	if config.Config.Server.IsDevelopment() {
		config.PrintConfig(logger)
	}
	return New(config.Config, logger), nil
}

// Logger returns the logger the app was built with.
func (a *App) Logger() *zap.Logger { return a.logger }

// Service is the SERVICE_NAME the process was configured with.
func (a *App) Service() string { return a.cfg.Server.ServiceName }
