package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectDB opens the Postgres connection with retry logic and configures the pool.
func ConnectDB(server ServerConf, database DatabaseConf, log *zap.Logger) (*gorm.DB, error) {
	if err := validateTestEnvironment(server, database, log); err != nil {
		return nil, err
	}

	// Configure GORM logger based on environment
	gormLogger := logger.Default.LogMode(logger.Warn)
	if server.IsProduction() {
		gormLogger = logger.Default.LogMode(logger.Error)
	}

	dsn := database.GetDatabaseDSN()

	var db *gorm.DB
	var err error
	maxAttempts := 10
	retryInterval := 3 * time.Second

	log.Info("🔌 connecting to database")

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         gormLogger,
			TranslateError: true,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		})

		if err == nil {
			if err = Ping(db); err == nil {
				break
			}
		}

		if attempt < maxAttempts {
			log.Warn("⏳ database not ready, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("retry_in", retryInterval),
				zap.Error(err),
			)
			time.Sleep(retryInterval)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxAttempts, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("✅ database connected",
		zap.String("host", database.Host+":"+database.Port),
		zap.String("database", database.Name),
	)
	return db, nil
}

// validateTestEnvironment ensures test databases are properly configured
func validateTestEnvironment(server ServerConf, database DatabaseConf, log *zap.Logger) error {
	if server.IsTest() {
		if !strings.HasSuffix(database.Name, "_test") {
			return fmt.Errorf(
				"APP_ENV=test but DB_NAME (%s) is not a test database. "+
					"Test database names must end with '_test'",
				database.Name,
			)
		}
	}

	// Prevent accidental production database usage in non-production
	if !server.IsProduction() {
		for _, indicator := range []string{"prod", "production"} {
			if strings.Contains(strings.ToLower(database.Name), indicator) {
				log.Warn("⚠️ using production-like database name outside production",
					zap.String("database", database.Name),
					zap.String("env", server.Env),
				)
			}
		}
	}

	return nil
}

// CloseDB closes the database connection
func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the database is accessible
func Ping(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}
