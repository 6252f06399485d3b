package preset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/neo/debatearena_backend/internal/types"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()

	for _, id := range []string{"classic", "blitz", "crossfire"} {
		p, err := r.Get(id)
		assert.NoError(t, err)
		assert.NoError(t, p.Validate())
	}

	classic, err := r.Get("classic")
	assert.NoError(t, err)
	assert.Len(t, classic.Rounds, 7)
	assert.Equal(t, 60*time.Second, classic.VoteWindow())

	_, err = r.Get("nonexistent")
	assert.Error(t, err)
}

func TestRegistryRegisterValidates(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&FormatPreset{ID: "empty"})
	assert.Error(t, err, "a preset without rounds must be rejected")

	err = r.Register(&FormatPreset{
		ID:   "custom",
		Name: "Custom",
		Rounds: []RoundSpec{
			{Name: "Only", Speaker: types.SpeakerBoth, Exchanges: 1, TurnTimeLimitSeconds: 30},
		},
	})
	assert.NoError(t, err)
	assert.Contains(t, r.IDs(), "custom")
}

func TestRoundSpecTurnCount(t *testing.T) {
	testCases := []struct {
		name     string
		spec     RoundSpec
		expected int
	}{
		{"both one exchange", RoundSpec{Speaker: types.SpeakerBoth, Exchanges: 1}, 2},
		{"both three exchanges", RoundSpec{Speaker: types.SpeakerBoth, Exchanges: 3}, 6},
		{"pro only", RoundSpec{Speaker: types.SpeakerPro, Exchanges: 1}, 1},
		{"con two exchanges", RoundSpec{Speaker: types.SpeakerCon, Exchanges: 2}, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.spec.TurnCount())
		})
	}
}

func TestValidateRejectsBadRounds(t *testing.T) {
	p := &FormatPreset{
		ID: "broken",
		Rounds: []RoundSpec{
			{Name: "Bad", Speaker: types.SpeakerBoth, Exchanges: 0, TurnTimeLimitSeconds: 30},
		},
	}
	assert.Error(t, p.Validate())

	p.Rounds[0].Exchanges = 1
	p.Rounds[0].TurnTimeLimitSeconds = 0
	assert.Error(t, p.Validate())

	p.Rounds[0].TurnTimeLimitSeconds = 30
	p.Rounds[0].Speaker = "audience"
	assert.Error(t, p.Validate())
}
