package preset

import (
	"fmt"
	"sync"
	"time"

	"github.com/neo/debatearena_backend/internal/types"
)

// Limit is an inclusive min/max bound on response size
type Limit struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// RoundSpec describes one round of a format preset
type RoundSpec struct {
	Name                 string        `json:"name"`
	Speaker              types.Speaker `json:"speaker"`
	Exchanges            int           `json:"exchanges"` // Q/A back-and-forth count, >= 1
	TurnTimeLimitSeconds int           `json:"turn_time_limit_seconds"`
	WordLimit            Limit         `json:"word_limit"`
	CharLimit            Limit         `json:"char_limit"`
}

// TurnTimeLimit returns the per-turn budget as a duration
func (r RoundSpec) TurnTimeLimit() time.Duration {
	return time.Duration(r.TurnTimeLimitSeconds) * time.Second
}

// TurnCount returns the number of turns this round produces
func (r RoundSpec) TurnCount() int {
	return r.Exchanges * len(r.Speaker.Sides())
}

// FormatPreset is an immutable debate format referenced by id
type FormatPreset struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	PrepTimeSeconds   int         `json:"prep_time_seconds"`
	VoteWindowSeconds int         `json:"vote_window_seconds"`
	Rounds            []RoundSpec `json:"rounds"`
	WinCondition      string      `json:"win_condition"` // Informational only
}

// PrepTime returns the pre-match warm-up duration
func (p *FormatPreset) PrepTime() time.Duration {
	return time.Duration(p.PrepTimeSeconds) * time.Second
}

// VoteWindow returns the per-round spectator vote window
func (p *FormatPreset) VoteWindow() time.Duration {
	return time.Duration(p.VoteWindowSeconds) * time.Second
}

// Validate checks structural invariants of a preset
func (p *FormatPreset) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("preset id is required")
	}
	if len(p.Rounds) == 0 {
		return fmt.Errorf("preset %s has no rounds", p.ID)
	}
	for i, r := range p.Rounds {
		if !r.Speaker.IsValid() {
			return fmt.Errorf("preset %s round %d: %w: %s", p.ID, i, types.ErrInvalidSpeaker, r.Speaker)
		}
		if r.Exchanges < 1 {
			return fmt.Errorf("preset %s round %d: exchanges must be >= 1", p.ID, i)
		}
		if r.TurnTimeLimitSeconds <= 0 {
			return fmt.Errorf("preset %s round %d: turn time limit must be positive", p.ID, i)
		}
	}
	return nil
}

// Registry holds the known presets keyed by id
type Registry struct {
	mu      sync.RWMutex
	presets map[string]*FormatPreset
}

// NewRegistry creates a registry populated with the built-in presets
func NewRegistry() *Registry {
	r := &Registry{presets: make(map[string]*FormatPreset)}
	for _, p := range builtins() {
		r.presets[p.ID] = p
	}
	return r
}

// Get returns the preset for the given id
func (r *Registry) Get(id string) (*FormatPreset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[id]
	if !ok {
		return nil, fmt.Errorf("unknown preset: %s", id)
	}
	return p, nil
}

// Register adds or replaces a preset
func (r *Registry) Register(p *FormatPreset) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presets[p.ID] = p
	return nil
}

// IDs returns the registered preset ids
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.presets))
	for id := range r.presets {
		ids = append(ids, id)
	}
	return ids
}

// All returns all registered presets
func (r *Registry) All() []*FormatPreset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	presets := make([]*FormatPreset, 0, len(r.presets))
	for _, p := range r.presets {
		presets = append(presets, p)
	}
	return presets
}

func builtins() []*FormatPreset {
	standardWords := Limit{Min: 20, Max: 250}
	standardChars := Limit{Min: 100, Max: 1500}
	shortWords := Limit{Min: 10, Max: 120}
	shortChars := Limit{Min: 50, Max: 700}

	return []*FormatPreset{
		{
			ID:                "classic",
			Name:              "Classic 7-Round",
			PrepTimeSeconds:   30,
			VoteWindowSeconds: 60,
			WinCondition:      "best of seven rounds by spectator vote",
			Rounds: []RoundSpec{
				{Name: "Opening Statements", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 90, WordLimit: standardWords, CharLimit: standardChars},
				{Name: "First Arguments", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 90, WordLimit: standardWords, CharLimit: standardChars},
				{Name: "Cross-Examination", Speaker: types.SpeakerBoth, Exchanges: 2, TurnTimeLimitSeconds: 60, WordLimit: shortWords, CharLimit: shortChars},
				{Name: "Rebuttals", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 90, WordLimit: standardWords, CharLimit: standardChars},
				{Name: "Second Cross-Examination", Speaker: types.SpeakerBoth, Exchanges: 2, TurnTimeLimitSeconds: 60, WordLimit: shortWords, CharLimit: shortChars},
				{Name: "Final Arguments", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 90, WordLimit: standardWords, CharLimit: standardChars},
				{Name: "Closing Statements", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 90, WordLimit: standardWords, CharLimit: standardChars},
			},
		},
		{
			ID:                "blitz",
			Name:              "Blitz 3-Round",
			PrepTimeSeconds:   10,
			VoteWindowSeconds: 30,
			WinCondition:      "best of three rounds by spectator vote",
			Rounds: []RoundSpec{
				{Name: "Opening", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 45, WordLimit: shortWords, CharLimit: shortChars},
				{Name: "Clash", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 45, WordLimit: shortWords, CharLimit: shortChars},
				{Name: "Closing", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 45, WordLimit: shortWords, CharLimit: shortChars},
			},
		},
		{
			ID:                "crossfire",
			Name:              "Crossfire",
			PrepTimeSeconds:   20,
			VoteWindowSeconds: 45,
			WinCondition:      "best of five rounds by spectator vote",
			Rounds: []RoundSpec{
				{Name: "Pro Opening", Speaker: types.SpeakerPro, Exchanges: 1, TurnTimeLimitSeconds: 60, WordLimit: standardWords, CharLimit: standardChars},
				{Name: "Con Opening", Speaker: types.SpeakerCon, Exchanges: 1, TurnTimeLimitSeconds: 60, WordLimit: standardWords, CharLimit: standardChars},
				{Name: "Crossfire", Speaker: types.SpeakerBoth, Exchanges: 3, TurnTimeLimitSeconds: 45, WordLimit: shortWords, CharLimit: shortChars},
				{Name: "Pro Closing", Speaker: types.SpeakerPro, Exchanges: 1, TurnTimeLimitSeconds: 60, WordLimit: standardWords, CharLimit: standardChars},
				{Name: "Con Closing", Speaker: types.SpeakerCon, Exchanges: 1, TurnTimeLimitSeconds: 60, WordLimit: standardWords, CharLimit: standardChars},
			},
		},
	}
}
