package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

func TestCanTransition(t *testing.T) {
	// 正常路径：挂单 → 受保护 → 换单 → 受保护
	assert.True(t, CanTransition(models.ProtectionNone, models.ProtectionPendingPlace))
	assert.True(t, CanTransition(models.ProtectionPendingPlace, models.ProtectionProtected))
	assert.True(t, CanTransition(models.ProtectionProtected, models.ProtectionPendingReplace))
	assert.True(t, CanTransition(models.ProtectionPendingReplace, models.ProtectionProtected))

	// 失败路径
	assert.True(t, CanTransition(models.ProtectionPendingPlace, models.ProtectionFailed))
	assert.True(t, CanTransition(models.ProtectionPendingReplace, models.ProtectionFailed))

	// 清扫恢复
	assert.True(t, CanTransition(models.ProtectionFailed, models.ProtectionNone))
	assert.True(t, CanTransition(models.ProtectionFailed, models.ProtectionPendingPlace))

	// 拒单回退
	assert.True(t, CanTransition(models.ProtectionPendingPlace, models.ProtectionNone))

	// 非法跳变
	assert.False(t, CanTransition(models.ProtectionNone, models.ProtectionProtected))
	assert.False(t, CanTransition(models.ProtectionNone, models.ProtectionPendingReplace))
	assert.False(t, CanTransition(models.ProtectionProtected, models.ProtectionPendingPlace))
	assert.False(t, CanTransition("bogus", models.ProtectionProtected))
}
