package model

// IsVisible 雷达可见性判定（Silent Decay 规则）：
// online 可见；offline 且余额 > 0 可见；其余（含 invisible）不可见。
// 所有可见性判断都必须经过这里。
func IsVisible(status Status, creditBalance float64) bool {
	switch status {
	case StatusOnline:
		return true
	case StatusOffline:
		return creditBalance > 0
	default:
		return false
	}
}

// IsDecayed 是否处于衰减状态（离线且余额为零），该状态的用户需要从雷达移除
func IsDecayed(status Status, creditBalance float64) bool {
	return status == StatusOffline && !IsVisible(status, creditBalance)
}

// Visible 记录当前是否在雷达上可见
func (r PresenceRecord) Visible() bool {
	return IsVisible(r.Status, r.CreditBalance)
}

// Decayed 记录当前是否处于衰减状态
func (r PresenceRecord) Decayed() bool {
	return IsDecayed(r.Status, r.CreditBalance)
}
