package registry

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, config.Migrate(db))
	return db
}

func seedConfig(t *testing.T, db *gorm.DB, id, status string, active bool) {
	t.Helper()
	require.NoError(t, db.Create(&config.TrainedConfiguration{
		ID:                 id,
		StrategyName:       "HTF_SWEEP",
		Status:             status,
		IsActive:           active,
		PositionSizeFactor: 1,
	}).Error)
}

func auditCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&config.ActivationAudit{}).Count(&n).Error)
	return n
}

func TestActivateAndGetActive(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)
	seedConfig(t, db, "cfg-1", config.StageValidation, false)

	require.NoError(t, reg.Activate("cfg-1"))

	active, err := reg.GetActive()
	require.NoError(t, err)
	assert.Equal(t, []string{"cfg-1"}, active)
	assert.Equal(t, int64(1), auditCount(t, db))
}

func TestActivateDiscoveryDenied(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)
	seedConfig(t, db, "cfg-1", config.StageDiscovery, false)

	err := reg.Activate("cfg-1")
	require.Error(t, err)
	assert.True(t, models.IsActivationDenied(err))

	active, getErr := reg.GetActive()
	require.NoError(t, getErr)
	assert.Empty(t, active)
}

func TestActivatePaperDenied(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)
	seedConfig(t, db, "cfg-1", config.StagePaper, false)

	err := reg.Activate("cfg-1")
	require.Error(t, err)
	assert.True(t, models.IsActivationDenied(err))
}

type trippedGuard struct{ tripped bool }

func (g *trippedGuard) BreakersTripped(string) bool { return g.tripped }

func TestActivateWithTrippedBreakersDenied(t *testing.T) {
	db := newTestDB(t)
	guard := &trippedGuard{tripped: true}
	reg := New(zap.NewNop(), db, guard)
	seedConfig(t, db, "cfg-1", config.StageMature, false)

	err := reg.Activate("cfg-1")
	require.Error(t, err)
	assert.True(t, models.IsActivationDenied(err))

	guard.tripped = false
	require.NoError(t, reg.Activate("cfg-1"))
}

func TestActivateUnknownConfig(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)

	err := reg.Activate("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReplaceActiveSymmetricDifference(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)
	seedConfig(t, db, "cfg-a", config.StageMature, true)
	seedConfig(t, db, "cfg-b", config.StageMature, true)
	seedConfig(t, db, "cfg-c", config.StageValidation, false)

	require.NoError(t, reg.ReplaceActive([]string{"cfg-b", "cfg-c"}))

	active, err := reg.GetActive()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cfg-b", "cfg-c"}, active)

	// One activation (cfg-c) and one deactivation (cfg-a); cfg-b untouched.
	assert.Equal(t, int64(2), auditCount(t, db))
}

func TestReplaceActiveIdempotent(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)
	seedConfig(t, db, "cfg-a", config.StageMature, true)

	require.NoError(t, reg.ReplaceActive([]string{"cfg-a"}))

	active, err := reg.GetActive()
	require.NoError(t, err)
	assert.Equal(t, []string{"cfg-a"}, active)
	assert.Equal(t, int64(0), auditCount(t, db), "a no-op replace must write no audit rows")
}

func TestReplaceActiveAbortsWholeSwapOnDenial(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)
	seedConfig(t, db, "cfg-a", config.StageMature, true)
	seedConfig(t, db, "cfg-paper", config.StagePaper, false)

	err := reg.ReplaceActive([]string{"cfg-paper"})
	require.Error(t, err)
	assert.True(t, models.IsActivationDenied(err))

	// The transaction rolled back: cfg-a stays active.
	active, getErr := reg.GetActive()
	require.NoError(t, getErr)
	assert.Equal(t, []string{"cfg-a"}, active)
}

func TestDeactivateInactiveIsNoop(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)
	seedConfig(t, db, "cfg-1", config.StageMature, false)

	require.NoError(t, reg.Deactivate("cfg-1"))
	assert.Equal(t, int64(0), auditCount(t, db))
}

func TestForceDeactivateAudits(t *testing.T) {
	db := newTestDB(t)
	reg := New(zap.NewNop(), db, nil)
	seedConfig(t, db, "cfg-1", config.StageMature, true)

	require.NoError(t, reg.ForceDeactivate("cfg-1", "max_daily_loss breached"))

	active, err := reg.GetActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	var audit config.ActivationAudit
	require.NoError(t, db.First(&audit).Error)
	assert.Equal(t, "deactivate", audit.Action)
	assert.Equal(t, "max_daily_loss breached", audit.Reason)
}
