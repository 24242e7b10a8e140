package dbhelper

import (
	"fmt"
	"os"
	"time"

	"tryonapi/models"
	"tryonapi/services"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func DSN(cfg services.DatabaseConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)
}

func SetupDB(cfg services.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Minute * 5)

	if err := Migrate(db, &models.TryOnResult{}); err != nil {
		return nil, err
	}
	return db, nil
}

// SetupTestDB connects to the local test database used by integration tests.
func SetupTestDB() (*gorm.DB, error) {
	os.Setenv("DB_USERNAME", services.GetEnv("TEST_DB_USERNAME", "tryon"))
	os.Setenv("DB_PASSWORD", services.GetEnv("TEST_DB_PASSWORD", "tryon"))
	os.Setenv("DB_HOST", services.GetEnv("TEST_DB_HOST", "localhost"))
	os.Setenv("DB_NAME", services.GetEnv("TEST_DB_NAME", "tryon_test"))
	os.Setenv("DB_PORT", services.GetEnv("TEST_DB_PORT", "5432"))
	cfg, err := services.LoadConfig("")
	if err != nil {
		return nil, err
	}
	return SetupDB(cfg.Database)
}
