package group

// RuntimeState is the group's own observable state.
type RuntimeState struct {
	IsOn                bool
	MasterBrightness    int
	ColorMode           ColorMode
	Color               Color
	SupportedColorModes []ColorMode
	SupportedFeatures   Feature
}

func newRuntimeState() RuntimeState {
	return RuntimeState{
		MasterBrightness:    DefaultMasterBrightness,
		SupportedColorModes: []ColorMode{ColorModeBrightness},
	}
}

// Snapshot is a copy of a group's state handed to publishers and callers.
type Snapshot struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	IsOn                bool           `json:"is_on"`
	Brightness          *int           `json:"brightness"`
	MasterBrightness    int            `json:"master_brightness"`
	ColorMode           ColorMode      `json:"color_mode,omitempty"`
	Color               Color          `json:"color"`
	SupportedColorModes []ColorMode    `json:"supported_color_modes"`
	SupportedFeatures   Feature        `json:"supported_features"`
	Attributes          map[string]any `json:"attributes"`
}

// Persisted returns the part of the snapshot that survives a restart.
func (s Snapshot) Persisted() Persisted {
	master := s.MasterBrightness
	return Persisted{
		IsOn:             s.IsOn,
		MasterBrightness: &master,
	}
}
