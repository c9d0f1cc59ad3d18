// Package registry is the authoritative set of configuration ids permitted
// to trade live. It is the only writer of the is_active flag.
package registry

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/models"
)

// BreakerGuard reports whether a configuration currently has tripped circuit
// breakers.
type BreakerGuard interface {
	BreakersTripped(configID string) bool
}

// Registry governs the active configuration set. All mutations run inside a
// single transaction so a crash mid-replace never leaves a half-swapped set.
type Registry struct {
	logger *zap.Logger
	db     *gorm.DB
	guard  BreakerGuard
}

// New creates the registry. The guard may be nil in tests that do not
// exercise breakers.
func New(logger *zap.Logger, db *gorm.DB, guard BreakerGuard) *Registry {
	return &Registry{logger: logger, db: db, guard: guard}
}

// GetActive returns the ids of all currently active configurations.
func (r *Registry) GetActive() ([]string, error) {
	var ids []string
	err := r.db.Model(&config.TrainedConfiguration{}).
		Where("is_active = ?", true).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active set: %w", err)
	}
	return ids, nil
}

// ReplaceActive atomically swaps the active set for the given ids. The
// symmetric difference against the current set is computed inside one
// transaction; a replace that changes nothing writes no audit rows. Any id
// that fails the activation guard aborts the whole swap.
func (r *Registry) ReplaceActive(ids []string) error {
	desired := make(map[string]bool, len(ids))
	for _, id := range ids {
		desired[id] = true
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var current []string
		err := tx.Model(&config.TrainedConfiguration{}).
			Where("is_active = ?", true).
			Pluck("id", &current).Error
		if err != nil {
			return fmt.Errorf("failed to load active set: %w", err)
		}
		active := make(map[string]bool, len(current))
		for _, id := range current {
			active[id] = true
		}

		for id := range desired {
			if active[id] {
				continue
			}
			if err := r.activateTx(tx, id, "bulk replace"); err != nil {
				return err
			}
		}
		for _, id := range current {
			if desired[id] {
				continue
			}
			if err := r.deactivateTx(tx, id, "removed by bulk replace"); err != nil {
				return err
			}
		}
		return nil
	})
	r.auditDenial(err)
	return err
}

// Activate turns one configuration live, subject to the activation guard.
func (r *Registry) Activate(id string) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		return r.activateTx(tx, id, "operator request")
	})
	r.auditDenial(err)
	return err
}

// auditDenial records a denied activation after the enclosing transaction
// rolled back, so the denial survives the rollback.
func (r *Registry) auditDenial(err error) {
	var denied *models.ActivationDenied
	if !errors.As(err, &denied) {
		return
	}
	if auditErr := audit(r.db, denied.ConfigID, "deny", denied.Reason); auditErr != nil {
		r.logger.Error("failed to write denial audit",
			zap.String("config_id", denied.ConfigID), zap.Error(auditErr))
	}
	r.logger.Warn("activation denied",
		zap.String("config_id", denied.ConfigID),
		zap.String("reason", denied.Reason),
	)
}

// Deactivate removes one configuration from the active set. Deactivating an
// already-inactive configuration is a no-op and writes no audit row.
func (r *Registry) Deactivate(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return r.deactivateTx(tx, id, "operator request")
	})
}

// ForceDeactivate removes a configuration from the active set on behalf of
// the governor (breaker trip or stage demotion).
func (r *Registry) ForceDeactivate(id, reason string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return r.deactivateTx(tx, id, reason)
	})
}

// activateTx flips one configuration active inside tx after the guard
// passes. Activating an already-active configuration is a no-op.
func (r *Registry) activateTx(tx *gorm.DB, id, reason string) error {
	cfg, err := getConfig(tx, id)
	if err != nil {
		return err
	}

	if denyReason := r.denyReason(cfg); denyReason != "" {
		return &models.ActivationDenied{ConfigID: id, Reason: denyReason}
	}

	if cfg.IsActive {
		return nil
	}

	if err := setActive(tx, id, true); err != nil {
		return err
	}
	if err := audit(tx, id, "activate", reason); err != nil {
		return err
	}
	r.logger.Info("configuration activated", zap.String("config_id", id), zap.String("reason", reason))
	return nil
}

func (r *Registry) deactivateTx(tx *gorm.DB, id, reason string) error {
	cfg, err := getConfig(tx, id)
	if err != nil {
		return err
	}
	if !cfg.IsActive {
		return nil
	}

	if err := setActive(tx, id, false); err != nil {
		return err
	}
	if err := audit(tx, id, "deactivate", reason); err != nil {
		return err
	}
	r.logger.Info("configuration deactivated", zap.String("config_id", id), zap.String("reason", reason))
	return nil
}

// denyReason applies the activation guard. Only VALIDATION, MATURE and DECAY
// configurations may trade live, and never with tripped breakers.
func (r *Registry) denyReason(cfg *config.TrainedConfiguration) string {
	switch cfg.Status {
	case config.StageDiscovery:
		return "configuration is in DISCOVERY: insufficient sample for live trading"
	case config.StagePaper:
		return "configuration is in PAPER: edge unproven at full size"
	}
	if r.guard != nil && r.guard.BreakersTripped(cfg.ID) {
		return "circuit breakers currently tripped"
	}
	return ""
}

func getConfig(tx *gorm.DB, id string) (*config.TrainedConfiguration, error) {
	var cfg config.TrainedConfiguration
	if err := tx.Where("id = ?", id).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("configuration %s: %w", id, models.ErrNotFound)
		}
		return nil, err
	}
	return &cfg, nil
}

func setActive(tx *gorm.DB, id string, active bool) error {
	return tx.Model(&config.TrainedConfiguration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":  active,
			"updated_at": time.Now(),
		}).Error
}

func audit(tx *gorm.DB, configID, action, reason string) error {
	return tx.Create(&config.ActivationAudit{
		ConfigID: configID,
		Action:   action,
		Reason:   reason,
	}).Error
}
