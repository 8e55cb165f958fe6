package settings

import (
	"sort"
	"strings"
)

// Preset is a named width/height pair.
type Preset struct {
	Name   string
	Width  int
	Height int
}

var presets = map[string]Preset{
	"square":    {Name: "square", Width: 1024, Height: 1024},
	"portrait":  {Name: "portrait", Width: 768, Height: 1344},
	"landscape": {Name: "landscape", Width: 1344, Height: 768},
	"wide":      {Name: "wide", Width: 1536, Height: 640},
}

// LookupPreset finds a preset by case-insensitive name.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Presets returns all presets sorted by name.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type unknownPresetError struct{ name string }

func (e unknownPresetError) Error() string { return "unknown preset: " + e.name }

// ErrUnknownPreset returns an error for a preset name that does not exist.
func ErrUnknownPreset(name string) error { return unknownPresetError{name: name} }

// IsUnknownPreset reports whether err came from an unknown preset name.
func IsUnknownPreset(err error) bool {
	_, ok := err.(unknownPresetError)
	return ok
}

// persistError wraps a KV write failure.
type persistError struct {
	key string
	err error
}

func (e persistError) Error() string { return "persist " + e.key + ": " + e.err.Error() }
func (e persistError) Unwrap() error { return e.err }

// MapKV is an in-memory KV.
type MapKV map[string]string

func (m MapKV) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m MapKV) Set(key, value string) error {
	m[key] = value
	return nil
}
