package settings

import (
	"math"
	"strconv"
	"sync"

	"zstudio/pkg/types"
)

// Parameter bounds.
const (
	MinSteps = 1
	MaxSteps = 50

	MinGuidance = 0.0
	MaxGuidance = 10.0

	MinDimension  = 256
	MaxDimension  = 2048
	DimensionStep = 16

	// RandomSeed asks the service to pick a seed.
	RandomSeed = -1
)

// Settings is a snapshot of the generation parameters.
type Settings struct {
	Steps         int     `json:"steps" yaml:"steps" toml:"steps"`
	GuidanceScale float64 `json:"guidance_scale" yaml:"guidance_scale" toml:"guidance_scale"`
	Width         int     `json:"width" yaml:"width" toml:"width"`
	Height        int     `json:"height" yaml:"height" toml:"height"`
	Seed          int64   `json:"seed" yaml:"seed" toml:"seed"`
}

// Defaults mirrors the service's request defaults.
func Defaults() Settings {
	return Settings{Steps: 8, GuidanceScale: 0.0, Width: 1024, Height: 1024, Seed: RandomSeed}
}

// Clamped returns s with every field forced into its valid range.
func (s Settings) Clamped() Settings {
	return Settings{
		Steps:         clampSteps(s.Steps),
		GuidanceScale: clampGuidance(s.GuidanceScale),
		Width:         snapDimension(s.Width),
		Height:        snapDimension(s.Height),
		Seed:          clampSeed(s.Seed),
	}
}

// Request builds the wire payload for prompt with these settings.
func (s Settings) Request(prompt string) types.GenerateRequest {
	return types.GenerateRequest{
		Prompt:        prompt,
		Steps:         s.Steps,
		GuidanceScale: s.GuidanceScale,
		Width:         s.Width,
		Height:        s.Height,
		Seed:          s.Seed,
	}
}

// KV is the persistence collaborator the store writes through to.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

const (
	keySteps    = "steps"
	keyGuidance = "guidance_scale"
	keyWidth    = "width"
	keyHeight   = "height"
	keySeed     = "seed"
)

// Store holds the current generation parameters. All setters clamp.
type Store struct {
	mu  sync.RWMutex
	cur Settings
	kv  KV
}

// NewStore returns a store seeded with initial (clamped).
func NewStore(initial Settings) *Store {
	return &Store{cur: initial.Clamped()}
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Bind restores persisted values from kv and writes every later change back.
// Unparseable persisted values are ignored.
func (s *Store) Bind(kv KV) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	if v, ok := kv.Get(keySteps); ok {
		if n, err := strconv.Atoi(v); err == nil {
			next.Steps = n
		}
	}
	if v, ok := kv.Get(keyGuidance); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			next.GuidanceScale = f
		}
	}
	if v, ok := kv.Get(keyWidth); ok {
		if n, err := strconv.Atoi(v); err == nil {
			next.Width = n
		}
	}
	if v, ok := kv.Get(keyHeight); ok {
		if n, err := strconv.Atoi(v); err == nil {
			next.Height = n
		}
	}
	if v, ok := kv.Get(keySeed); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			next.Seed = n
		}
	}
	s.cur = next.Clamped()
	s.kv = kv
	return s.persistLocked(keySteps, keyGuidance, keyWidth, keyHeight, keySeed)
}

// SetSteps sets the step count and returns the stored value.
func (s *Store) SetSteps(n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Steps = clampSteps(n)
	return s.cur.Steps, s.persistLocked(keySteps)
}

// SetGuidanceScale sets the guidance scale and returns the stored value.
func (s *Store) SetGuidanceScale(g float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.GuidanceScale = clampGuidance(g)
	return s.cur.GuidanceScale, s.persistLocked(keyGuidance)
}

// SetWidth sets the width, snapped to the dimension grid.
func (s *Store) SetWidth(w int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Width = snapDimension(w)
	return s.cur.Width, s.persistLocked(keyWidth)
}

// SetHeight sets the height, snapped to the dimension grid.
func (s *Store) SetHeight(h int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Height = snapDimension(h)
	return s.cur.Height, s.persistLocked(keyHeight)
}

// SetSeed sets the seed. Any negative value means random.
func (s *Store) SetSeed(seed int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Seed = clampSeed(seed)
	return s.cur.Seed, s.persistLocked(keySeed)
}

// ApplyPreset sets width and height together from a named preset.
func (s *Store) ApplyPreset(name string) (Settings, error) {
	p, ok := LookupPreset(name)
	if !ok {
		return s.Snapshot(), ErrUnknownPreset(name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Width, s.cur.Height = p.Width, p.Height
	return s.cur, s.persistLocked(keyWidth, keyHeight)
}

// Replace swaps in a full settings record (clamped) under one lock.
func (s *Store) Replace(next Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = next.Clamped()
	return s.cur, s.persistLocked(keySteps, keyGuidance, keyWidth, keyHeight, keySeed)
}

func (s *Store) persistLocked(keys ...string) error {
	if s.kv == nil {
		return nil
	}
	for _, k := range keys {
		var v string
		switch k {
		case keySteps:
			v = strconv.Itoa(s.cur.Steps)
		case keyGuidance:
			v = strconv.FormatFloat(s.cur.GuidanceScale, 'f', -1, 64)
		case keyWidth:
			v = strconv.Itoa(s.cur.Width)
		case keyHeight:
			v = strconv.Itoa(s.cur.Height)
		case keySeed:
			v = strconv.FormatInt(s.cur.Seed, 10)
		}
		if err := s.kv.Set(k, v); err != nil {
			return persistError{key: k, err: err}
		}
	}
	return nil
}

func clampSteps(n int) int {
	if n < MinSteps {
		return MinSteps
	}
	if n > MaxSteps {
		return MaxSteps
	}
	return n
}

func clampGuidance(g float64) float64 {
	if math.IsNaN(g) || g < MinGuidance {
		return MinGuidance
	}
	if g > MaxGuidance {
		return MaxGuidance
	}
	return g
}

// snapDimension clamps to the allowed range and rounds to the nearest multiple of DimensionStep.
func snapDimension(d int) int {
	if d < MinDimension {
		return MinDimension
	}
	if d > MaxDimension {
		return MaxDimension
	}
	return ((d + DimensionStep/2) / DimensionStep) * DimensionStep
}

func clampSeed(seed int64) int64 {
	if seed < 0 {
		return RandomSeed
	}
	return seed
}
