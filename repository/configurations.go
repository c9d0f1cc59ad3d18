package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/models"
)

// ConfigurationRepository handles trained_configurations and the activation
// audit trail.
type ConfigurationRepository struct {
	db *gorm.DB
}

// NewConfigurationRepository creates a new repository instance
func NewConfigurationRepository(db *gorm.DB) *ConfigurationRepository {
	return &ConfigurationRepository{db: db}
}

// Create persists a freshly trained configuration.
func (r *ConfigurationRepository) Create(cfg *config.TrainedConfiguration) error {
	if cfg.PositionSizeFactor == 0 {
		cfg.PositionSizeFactor = 1
	}
	if err := r.db.Create(cfg).Error; err != nil {
		return fmt.Errorf("failed to create trained configuration: %w", err)
	}
	return nil
}

// Get retrieves a configuration by ID.
func (r *ConfigurationRepository) Get(id string) (*config.TrainedConfiguration, error) {
	var cfg config.TrainedConfiguration
	if err := r.db.Where("id = ?", id).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("configuration %s: %w", id, models.ErrNotFound)
		}
		return nil, err
	}
	return &cfg, nil
}

// List returns configurations matching the filter, newest first.
func (r *ConfigurationRepository) List(filter models.ConfigurationFilter) ([]config.TrainedConfiguration, error) {
	query := r.db.Order("created_at DESC")
	if filter.Strategy != "" {
		query = query.Where("strategy_name = ?", filter.Strategy)
	}
	if filter.Exchange != "" {
		query = query.Where("exchange = ?", filter.Exchange)
	}
	if filter.Pair != "" {
		query = query.Where("pair = ?", filter.Pair)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}

	var cfgs []config.TrainedConfiguration
	if err := query.Find(&cfgs).Error; err != nil {
		return nil, err
	}
	return cfgs, nil
}

// ListAll returns every configuration, used by the lifecycle sweep.
func (r *ConfigurationRepository) ListAll() ([]config.TrainedConfiguration, error) {
	var cfgs []config.TrainedConfiguration
	if err := r.db.Find(&cfgs).Error; err != nil {
		return nil, err
	}
	return cfgs, nil
}

// UpdateStage persists a lifecycle stage decision. Only the governor calls
// this.
func (r *ConfigurationRepository) UpdateStage(id, stage string) error {
	return r.db.Model(&config.TrainedConfiguration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     stage,
			"updated_at": time.Now(),
		}).Error
}

// UpdateHealth persists governor-owned health fields after a metrics refresh.
func (r *ConfigurationRepository) UpdateHealth(id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return r.db.Model(&config.TrainedConfiguration{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Audit appends an activation audit entry.
func (r *ConfigurationRepository) Audit(configID, action, reason string) error {
	return r.db.Create(&config.ActivationAudit{
		ConfigID: configID,
		Action:   action,
		Reason:   reason,
	}).Error
}

// RecentAudits returns the newest audit rows, for operator inspection.
func (r *ConfigurationRepository) RecentAudits(limit int) ([]config.ActivationAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	var audits []config.ActivationAudit
	err := r.db.Order("created_at DESC, id DESC").Limit(limit).Find(&audits).Error
	return audits, err
}
