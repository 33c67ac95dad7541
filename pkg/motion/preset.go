package motion

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"laserstage/pkg/errors"
	"laserstage/pkg/store"
)

// Store keys shared with earlier clients.
const (
	PresetsKey  = "laserPresets"
	SettingsKey = "laserSettings"
)

// Preset is a named target position.
type Preset struct {
	Key           string     `json:"key" yaml:"key"`
	Label         string     `json:"label" yaml:"label"`
	PositionSteps int64      `json:"position_steps" yaml:"position_steps"`
	CreatedAt     *time.Time `json:"created_at,omitempty" yaml:"-"`
	BuiltIn       bool       `json:"built_in" yaml:"-"`
}

// DefaultPresets are the read-only presets shipped with the stage.
func DefaultPresets() []Preset {
	return []Preset{
		{Key: "foco", Label: "Punto Foco", PositionSteps: 100},
		{Key: "grabado", Label: "Modo Grabado", PositionSteps: 250},
		{Key: "corte", Label: "Modo Corte", PositionSteps: 400},
	}
}

// storedPreset is the persisted form: a map keyed by preset name.
type storedPreset struct {
	Position  int64      `json:"position"`
	Name      string     `json:"name"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// PresetBook holds built-in presets and the user set persisted in a KV store.
// Lookups try built-ins first.
type PresetBook struct {
	kv  store.KV
	now func() time.Time

	builtIn []Preset

	mu   sync.RWMutex
	user map[string]storedPreset
}

// NewPresetBook creates a book over kv. A nil builtIn uses DefaultPresets.
func NewPresetBook(kv store.KV, builtIn []Preset) *PresetBook {
	if builtIn == nil {
		builtIn = DefaultPresets()
	}
	b := &PresetBook{
		kv:   kv,
		now:  time.Now,
		user: make(map[string]storedPreset),
	}
	for _, p := range builtIn {
		p.BuiltIn = true
		p.CreatedAt = nil
		b.builtIn = append(b.builtIn, p)
	}
	return b
}

// Load reads the user set from the store.
func (b *PresetBook) Load(ctx context.Context) error {
	stored := make(map[string]storedPreset)
	if _, err := b.kv.Get(ctx, PresetsKey, &stored); err != nil {
		return err
	}
	b.mu.Lock()
	b.user = stored
	b.mu.Unlock()
	return nil
}

// Save stores a user preset, replacing any user preset of the same name,
// and persists the whole user set.
func (b *PresetBook) Save(ctx context.Context, name string, steps int64) (Preset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Preset{}, errors.InvalidArgumentError("preset name", "must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	next := make(map[string]storedPreset, len(b.user)+1)
	for k, v := range b.user {
		next[k] = v
	}
	next[name] = storedPreset{Position: steps, Name: name, Timestamp: &now}
	if err := b.kv.Set(ctx, PresetsKey, next); err != nil {
		return Preset{}, err
	}
	b.user = next
	return toPreset(name, next[name]), nil
}

// Delete removes a user preset. Built-in presets cannot be deleted.
func (b *PresetBook) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.user[key]; !ok {
		if _, builtIn := b.lookupBuiltIn(key); builtIn {
			return errors.InvalidArgumentError("preset", "built-in preset '"+key+"' is read-only")
		}
		return errors.NotFoundError("preset", key)
	}
	next := make(map[string]storedPreset, len(b.user))
	for k, v := range b.user {
		if k != key {
			next[k] = v
		}
	}
	if err := b.kv.Set(ctx, PresetsKey, next); err != nil {
		return err
	}
	b.user = next
	return nil
}

// Lookup finds key among built-ins, then user presets.
func (b *PresetBook) Lookup(key string) (Preset, bool) {
	if p, ok := b.lookupBuiltIn(key); ok {
		return p, true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	sp, ok := b.user[key]
	if !ok {
		return Preset{}, false
	}
	return toPreset(key, sp), true
}

func (b *PresetBook) lookupBuiltIn(key string) (Preset, bool) {
	for _, p := range b.builtIn {
		if p.Key == key {
			return p, true
		}
	}
	return Preset{}, false
}

// BuiltIn returns the read-only presets in configured order.
func (b *PresetBook) BuiltIn() []Preset {
	return append([]Preset(nil), b.builtIn...)
}

// User returns the user presets sorted by key.
func (b *PresetBook) User() []Preset {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Preset, 0, len(b.user))
	for k, v := range b.user {
		out = append(out, toPreset(k, v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// All returns built-ins followed by user presets.
func (b *PresetBook) All() []Preset {
	return append(b.BuiltIn(), b.User()...)
}

func toPreset(key string, sp storedPreset) Preset {
	label := sp.Name
	if label == "" {
		label = key
	}
	return Preset{Key: key, Label: label, PositionSteps: sp.Position, CreatedAt: sp.Timestamp}
}
