package group

import "testing"

func TestTargetBrightness(t *testing.T) {
	tests := []struct {
		name     string
		master   int
		cfg      MemberConfig
		mode     OffsetMode
		expected int
	}{
		{
			name:     "absolute/negative_offset",
			master:   200,
			cfg:      MemberConfig{Offset: -25, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetAbsolute,
			expected: 136, // 78.43% - 25 = 53.43% -> 136.25 truncated
		},
		{
			name:     "relative/negative_offset",
			master:   200,
			cfg:      MemberConfig{Offset: -25, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetRelative,
			expected: 150,
		},
		{
			name:     "relative/half",
			master:   200,
			cfg:      MemberConfig{Offset: -50, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetRelative,
			expected: 100,
		},
		{
			name:     "absolute/full_no_offset",
			master:   255,
			cfg:      MemberConfig{Offset: 0, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetAbsolute,
			expected: 255,
		},
		{
			name:     "absolute/overshoot_clamped_to_max",
			master:   255,
			cfg:      MemberConfig{Offset: 50, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetAbsolute,
			expected: 255,
		},
		{
			name:     "relative/overshoot_clamped_to_max",
			master:   255,
			cfg:      MemberConfig{Offset: 100, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetRelative,
			expected: 255,
		},
		{
			name:     "absolute/zero_master_clamped_to_min",
			master:   0,
			cfg:      MemberConfig{Offset: 0, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetAbsolute,
			expected: 2, // 1% of 255 = 2.55 truncated
		},
		{
			name:     "absolute/undershoot_clamped_to_min",
			master:   10,
			cfg:      MemberConfig{Offset: -100, MinPercent: 10, MaxPercent: 100},
			mode:     OffsetAbsolute,
			expected: 25, // 10% of 255 = 25.5 truncated
		},
		{
			name:     "relative/off_member_clamped_to_min",
			master:   200,
			cfg:      MemberConfig{Offset: -100, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetRelative,
			expected: 2,
		},
		{
			name:     "absolute/custom_max",
			master:   255,
			cfg:      MemberConfig{Offset: 0, MinPercent: 1, MaxPercent: 50},
			mode:     OffsetAbsolute,
			expected: 127, // 127.5 truncated
		},
		{
			name:     "inverted_bounds_min_wins",
			master:   100,
			cfg:      MemberConfig{Offset: 0, MinPercent: 80, MaxPercent: 20},
			mode:     OffsetAbsolute,
			expected: 204,
		},
		{
			name:     "unknown_mode_treated_as_absolute",
			master:   200,
			cfg:      MemberConfig{Offset: -25, MinPercent: 1, MaxPercent: 100},
			mode:     OffsetMode("bogus"),
			expected: 136,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TargetBrightness(tt.master, tt.cfg, tt.mode)
			if got != tt.expected {
				t.Errorf("TargetBrightness(%d, %+v, %s) = %d, want %d",
					tt.master, tt.cfg, tt.mode, got, tt.expected)
			}
		})
	}
}

func TestTargetBrightnessBoundsAndMonotonic(t *testing.T) {
	configs := []MemberConfig{
		{Offset: 0, MinPercent: 1, MaxPercent: 100},
		{Offset: -25, MinPercent: 1, MaxPercent: 100},
		{Offset: 30, MinPercent: 20, MaxPercent: 80},
		{Offset: -100, MinPercent: 5, MaxPercent: 5},
		{Offset: 100, MinPercent: 1, MaxPercent: 60},
	}

	for _, mode := range []OffsetMode{OffsetAbsolute, OffsetRelative} {
		for _, cfg := range configs {
			lo := percentToByte(cfg.MinPercent)
			hi := percentToByte(cfg.MaxPercent)
			prev := -1
			for m := 0; m <= 255; m++ {
				got := TargetBrightness(m, cfg, mode)
				if got < lo || got > hi {
					t.Fatalf("%s %+v master=%d: %d outside [%d,%d]", mode, cfg, m, got, lo, hi)
				}
				if got < prev {
					t.Fatalf("%s %+v master=%d: %d decreased from %d", mode, cfg, m, got, prev)
				}
				if again := TargetBrightness(m, cfg, mode); again != got {
					t.Fatalf("%s %+v master=%d: not deterministic (%d != %d)", mode, cfg, m, got, again)
				}
				prev = got
			}
		}
	}
}

func TestPercentToByte(t *testing.T) {
	tests := []struct {
		pct      int
		expected int
	}{
		{1, 2},
		{10, 25},
		{50, 127},
		{100, 255},
	}

	for _, tt := range tests {
		if got := percentToByte(tt.pct); got != tt.expected {
			t.Errorf("percentToByte(%d) = %d, want %d", tt.pct, got, tt.expected)
		}
	}
}
