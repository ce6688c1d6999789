package group

// percentToByte converts a 0-100 percentage to the 0-255 scale, truncating.
func percentToByte(pct int) int {
	return int(float64(pct) / 100 * 255)
}

// TargetBrightness computes a member's brightness (0-255) for the given master brightness.
//
// All conversions truncate toward zero and run in float64 in a fixed order, so results are
// stable for fixtures. The per-member clamp is applied last. If MinPercent > MaxPercent the
// clamp bounds invert and MinPercent wins; config validation rejects that case.
func TargetBrightness(master int, cfg MemberConfig, mode OffsetMode) int {
	lo := percentToByte(cfg.MinPercent)
	hi := percentToByte(cfg.MaxPercent)

	var target int
	if mode == OffsetRelative {
		multiplier := float64(100+cfg.Offset) / 100
		target = int(float64(master) * multiplier)
	} else {
		masterPct := float64(master) / 255 * 100
		targetPct := masterPct + float64(cfg.Offset)
		target = int(targetPct / 100 * 255)
	}

	return max(lo, min(hi, target))
}
