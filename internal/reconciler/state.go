package reconciler

import "github.com/utrading/utrading-trade-engine/internal/models"

// 保护状态机
//
//	no_protection -> pending_place -> protected
//	protected     -> pending_replace -> protected | failed
//
// failed 由清扫任务在重试预算内送回 no_protection 重新走一遍
var transitions = map[string][]string{
	models.ProtectionNone:           {models.ProtectionPendingPlace},
	models.ProtectionPendingPlace:   {models.ProtectionProtected, models.ProtectionFailed, models.ProtectionNone},
	models.ProtectionProtected:      {models.ProtectionPendingReplace, models.ProtectionNone},
	models.ProtectionPendingReplace: {models.ProtectionProtected, models.ProtectionFailed, models.ProtectionNone},
	models.ProtectionFailed:         {models.ProtectionNone, models.ProtectionPendingPlace},
}

// CanTransition 校验状态迁移合法性
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
