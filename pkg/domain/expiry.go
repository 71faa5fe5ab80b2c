package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

// NeverPreset marks a paste that does not expire.
const NeverPreset = "never"

var DefaultPresetNames = []string{"1h", "1d", "1w", "1m", NeverPreset}

var presetUnits = map[byte]time.Duration{
	'h': time.Hour,
	'd': Day,
	'w': Week,
	'm': Month,
}

// Presets is the set of expiry hints a deployment accepts, in display order.
// A zero duration stands for "never".
type Presets struct {
	names     []string
	durations map[string]time.Duration
}

// ParsePresets builds a preset table from names such as "2h", "3d", "1w",
// "1m" (30 days) or "never".
func ParsePresets(names []string) (Presets, error) {
	if len(names) == 0 {
		return Presets{}, errors.New("at least one expiry preset is required")
	}
	p := Presets{durations: make(map[string]time.Duration, len(names))}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		d, err := parsePreset(name)
		if err != nil {
			return Presets{}, err
		}
		if _, dup := p.durations[name]; dup {
			return Presets{}, errors.Errorf("duplicate expiry preset %q", name)
		}
		p.durations[name] = d
		p.names = append(p.names, name)
	}
	return p, nil
}

// DefaultPresets returns the built-in 1h/1d/1w/1m/never table.
func DefaultPresets() Presets {
	p, _ := ParsePresets(DefaultPresetNames)
	return p
}
func parsePreset(name string) (time.Duration, error) {
	if name == NeverPreset {
		return 0, nil
	}
	if len(name) < 2 {
		return 0, errors.Errorf("invalid expiry preset %q", name)
	}
	unit, ok := presetUnits[name[len(name)-1]]
	if !ok {
		return 0, errors.Errorf("invalid expiry preset %q: unit must be h, d, w or m", name)
	}
	n, err := strconv.Atoi(name[:len(name)-1])
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid expiry preset %q", name)
	}
	return time.Duration(n) * unit, nil
}

// Names returns the preset names in configured order.
func (p Presets) Names() []string {
	return append([]string(nil), p.names...)
}

// ParseExpiry turns a client expiry hint into an absolute UTC deadline.
// Preset hints must be in the table. An empty hint means "never" and is
// rejected when the table does not offer it. Explicit timestamps must be
// RFC 3339 and lie in the future.
func ParseExpiry(hint string, now time.Time, presets Presets) (*time.Time, error) {
	hint = strings.TrimSpace(hint)
	key := strings.ToLower(hint)
	if key == "" {
		key = NeverPreset
	}
	if d, ok := presets.durations[key]; ok {
		if d == 0 {
			return nil, nil
		}
		t := now.UTC().Add(d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, hint)
	if err != nil {
		return nil, ErrInvalidExpiry
	}
	if !t.After(now) {
		return nil, ErrInvalidExpiry
	}
	t = t.UTC()
	return &t, nil
}
