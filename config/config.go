package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config holds all configuration for the backend
type Config struct {
	DatabaseURL string
	Port        string
	LogLevel    string

	// Governor
	PolicyPath     string
	PolicyProfile  string
	SweepSchedule  string // cron expression for the lifecycle re-evaluation sweep
	StallGrace     time.Duration
	HeartbeatGrace time.Duration
	LogRetention   time.Duration

	// Artifact store (optional, disabled when ArtifactEndpoint is empty)
	ArtifactEndpoint  string
	ArtifactAccessKey string
	ArtifactSecretKey string
	ArtifactBucket    string
	ArtifactUseSSL    bool

	// Database
	DB *gorm.DB

	Logger *zap.Logger
}

// New creates a new configuration instance from the environment. A local
// .env file is loaded first when present.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Port:              getEnvOrDefault("PORT", "8080"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		PolicyPath:        getEnvOrDefault("POLICY_PATH", "policy.yaml"),
		PolicyProfile:     getEnvOrDefault("POLICY_PROFILE", "moderate"),
		SweepSchedule:     getEnvOrDefault("LIFECYCLE_SWEEP_SCHEDULE", "@every 15m"),
		StallGrace:        getEnvDuration("TRAINING_STALL_GRACE", 5*time.Minute),
		HeartbeatGrace:    getEnvDuration("TRAINING_HEARTBEAT_GRACE", 2*time.Minute),
		LogRetention:      getEnvDuration("TRAINING_LOG_RETENTION", 14*24*time.Hour),
		ArtifactEndpoint:  os.Getenv("ARTIFACT_ENDPOINT"),
		ArtifactAccessKey: os.Getenv("ARTIFACT_ACCESS_KEY"),
		ArtifactSecretKey: os.Getenv("ARTIFACT_SECRET_KEY"),
		ArtifactBucket:    getEnvOrDefault("ARTIFACT_BUCKET", "training-artifacts"),
		ArtifactUseSSL:    getEnvBool("ARTIFACT_USE_SSL", false),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.initLogger(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := cfg.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cfg.Logger.Info("configuration initialized",
		zap.String("port", cfg.Port),
		zap.String("policy_profile", cfg.PolicyProfile),
		zap.String("sweep_schedule", cfg.SweepSchedule),
	)
	return cfg, nil
}

// initLogger builds the production zap logger shared by all components.
func (c *Config) initLogger() error {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return err
	}
	c.Logger = logger
	return nil
}

// initDatabase initializes the database connection with optimized settings
func (c *Config) initDatabase() error {
	db, err := gorm.Open(postgres.Open(c.DatabaseURL), &gorm.Config{
		// Optimize query performance
		PrepareStmt: true,
		// Skip default transaction for better performance
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	// Set connection pool settings
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	c.DB = db
	c.Logger.Info("database initialized")
	return nil
}

// Migrate runs schema auto-migration for all persisted models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TrainingJob{},
		&TrainingProgress{},
		&TrainingLog{},
		&TrainedConfiguration{},
		&ActivationAudit{},
	)
}

// Close closes all connections
func (c *Config) Close() {
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
