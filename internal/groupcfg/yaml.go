package groupcfg

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/deltalux/internal/group"
)

// document is the YAML form of an entry. Field order is the export order.
type document struct {
	Name       string  `yaml:"name"`
	OffsetType string  `yaml:"offset_type"`
	Lights     []Light `yaml:"lights"`
}

// ToYAML renders an entry as an importable YAML document.
func ToYAML(e Entry) (string, error) {
	offsetType := string(e.OffsetType)
	if offsetType == "" {
		offsetType = string(group.OffsetAbsolute)
	}
	doc := document{
		Name:       e.Name,
		OffsetType: offsetType,
		Lights:     e.Lights,
	}
	if doc.Lights == nil {
		doc.Lights = []Light{}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("failed to encode group yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode group yaml: %w", err)
	}
	return buf.String(), nil
}

// ParseYAML parses and validates a YAML group document. The returned entry has
// no ID. All errors are *ValidationError.
func ParseYAML(text string) (*Entry, error) {
	var parsed any
	if err := yaml.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, invalid("Invalid YAML syntax: %v", err)
	}

	doc, ok := parsed.(map[string]any)
	if !ok {
		return nil, invalid("YAML must be a dictionary/mapping")
	}

	rawName, ok := doc["name"]
	if !ok {
		return nil, invalid("Missing required field: name")
	}
	rawLights, ok := doc["lights"]
	if !ok {
		return nil, invalid("Missing required field: lights")
	}
	lightsList, ok := rawLights.([]any)
	if !ok {
		return nil, invalid("lights must be a list")
	}
	if len(lightsList) < MinLights {
		return nil, invalid("At least %d lights are required", MinLights)
	}

	var name string
	switch v := rawName.(type) {
	case string:
		name = v
	case nil:
	default:
		name = fmt.Sprint(v)
	}

	entry := &Entry{
		Name:       name,
		OffsetType: group.OffsetAbsolute,
		Lights:     make([]Light, 0, len(lightsList)),
	}
	if rawType, ok := doc["offset_type"]; ok && rawType != nil {
		s, _ := rawType.(string)
		entry.OffsetType = group.OffsetMode(s)
		if !entry.OffsetType.Valid() {
			return nil, invalid("Invalid offset_type: %v (must be 'absolute' or 'relative')", rawType)
		}
	}

	for i, raw := range lightsList {
		light, err := parseLight(raw, i)
		if err != nil {
			return nil, err
		}
		entry.Lights = append(entry.Lights, light)
	}

	if err := entry.Validate(); err != nil {
		return nil, err
	}
	return entry, nil
}

func parseLight(raw any, index int) (Light, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Light{}, invalid("Light entry %d must be a dictionary", index+1)
	}

	rawID, ok := m["entity_id"]
	if !ok {
		return Light{}, invalid("Light entry %d missing entity_id", index+1)
	}
	entityID, ok := rawID.(string)
	if !ok || !strings.HasPrefix(entityID, EntityPrefix) {
		return Light{}, invalid("Invalid entity_id: %v (must start with '%s')", rawID, EntityPrefix)
	}

	light := NewLight(entityID)

	fields := []struct {
		key string
		dst *int
	}{
		{"offset", &light.Offset},
		{"min_brightness", &light.MinBrightness},
		{"max_brightness", &light.MaxBrightness},
	}
	for _, f := range fields {
		v, ok := m[f.key]
		if !ok || v == nil {
			continue
		}
		n, ok := toInt(v)
		if !ok {
			return Light{}, invalid("Light entry %d %s must be an integer", index+1, f.key)
		}
		*f.dst = n
	}

	return light, nil
}

// toInt accepts YAML integers and integral floats.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), true
		}
	}
	return 0, false
}
