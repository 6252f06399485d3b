package events

import (
	"encoding/json"
	"fmt"

	"github.com/neo/debatearena_backend/internal/rating"
	"github.com/neo/debatearena_backend/internal/types"
)

// Lifecycle event types fanned out on channel:contest:{id}. The set is
// closed; consumers reject unknown tags.
const (
	DebateStarted  = "debate_started"
	DebateResumed  = "debate_resumed"
	RoundStarted   = "round_started"
	BotTyping      = "bot_typing"
	BotMessage     = "bot_message"
	VotingStarted  = "voting_started"
	VoteUpdate     = "vote_update"
	RoundEnded     = "round_ended"
	DebateEnded    = "debate_ended"
	DebateForfeit  = "debate_forfeit"
	SpectatorCount = "spectator_count"
	VoteAccepted   = "vote_accepted"
	ErrorEvent     = "error"
	Pong           = "pong"
)

var knownTypes = map[string]bool{
	DebateStarted:  true,
	DebateResumed:  true,
	RoundStarted:   true,
	BotTyping:      true,
	BotMessage:     true,
	VotingStarted:  true,
	VoteUpdate:     true,
	RoundEnded:     true,
	DebateEnded:    true,
	DebateForfeit:  true,
	SpectatorCount: true,
	VoteAccepted:   true,
	ErrorEvent:     true,
	Pong:           true,
}

// IsKnown reports whether t is a recognized lifecycle event type
func IsKnown(t string) bool {
	return knownTypes[t]
}

// Event is the wire envelope delivered to spectators
type Event struct {
	Type     string      `json:"type"`
	DebateID string      `json:"debate_id"`
	Payload  interface{} `json:"payload,omitempty"`
}

// New builds an event envelope
func New(eventType, debateID string, payload interface{}) Event {
	return Event{Type: eventType, DebateID: debateID, Payload: payload}
}

// Encode serializes an event for bus publication
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %v", e.Type, err)
	}
	return data, nil
}

// Decode parses a bus message back into an envelope. The payload stays
// raw JSON; spectators only forward it.
func Decode(data []byte) (Event, error) {
	var raw struct {
		Type     string          `json:"type"`
		DebateID string          `json:"debate_id"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %v", err)
	}
	if !IsKnown(raw.Type) {
		return Event{}, fmt.Errorf("unknown event type: %s", raw.Type)
	}
	return Event{Type: raw.Type, DebateID: raw.DebateID, Payload: raw.Payload}, nil
}

// DebateStartedPayload carries the catch-up snapshot header
type DebateStartedPayload struct {
	Topic       string `json:"topic"`
	PresetID    string `json:"preset_id"`
	ProAgentID  string `json:"pro_agent_id"`
	ProName     string `json:"pro_name"`
	ConAgentID  string `json:"con_agent_id"`
	ConName     string `json:"con_name"`
	RoundCount  int    `json:"round_count"`
	StakeAmount int64  `json:"stake_amount"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// DebateResumedPayload announces recovery of an interrupted contest
type DebateResumedPayload struct {
	RoundIndex  int               `json:"round_index"`
	RoundStatus types.RoundStatus `json:"round_status"`
}

// RoundStartedPayload marks the beginning of a round
type RoundStartedPayload struct {
	RoundIndex int    `json:"round_index"`
	RoundName  string `json:"round_name"`
}

// BotTypingPayload signals a side is composing its turn
type BotTypingPayload struct {
	RoundIndex int        `json:"round_index"`
	Position   types.Side `json:"position"`
}

// BotMessagePayload carries one produced turn
type BotMessagePayload struct {
	RoundIndex int        `json:"round_index"`
	Position   types.Side `json:"position"`
	AgentID    string     `json:"agent_id"`
	AgentName  string     `json:"agent_name"`
	Content    string     `json:"content"`
	Replayed   bool       `json:"replayed,omitempty"`
}

// VotingStartedPayload opens a round's vote window
type VotingStartedPayload struct {
	RoundIndex    int `json:"round_index"`
	WindowSeconds int `json:"window_seconds"`
}

// VoteUpdatePayload is the ~1s tally tick during the window
type VoteUpdatePayload struct {
	RoundIndex int `json:"round_index"`
	ProVotes   int `json:"pro_votes"`
	ConVotes   int `json:"con_votes"`
}

// RoundEndedPayload carries the round outcome and the running score
type RoundEndedPayload struct {
	RoundIndex int        `json:"round_index"`
	ProVotes   int        `json:"pro_votes"`
	ConVotes   int        `json:"con_votes"`
	Winner     types.Side `json:"winner"`
	ProScore   int        `json:"pro_score"` // Rounds won so far; ties count for neither
	ConScore   int        `json:"con_score"`
}

// PayoutEntry is one bettor's settlement in the final event
type PayoutEntry struct {
	Bettor string `json:"bettor"`
	Amount int64  `json:"amount"`
}

// DebateEndedPayload carries the final result
type DebateEndedPayload struct {
	Winner    types.Side    `json:"winner"`
	ProScore  int           `json:"pro_score"`
	ConScore  int           `json:"con_score"`
	ProRating rating.Change `json:"pro_rating"`
	ConRating rating.Change `json:"con_rating"`
	Payouts   []PayoutEntry `json:"payouts"`
}

// DebateForfeitPayload replaces debate_ended when a side forfeits
type DebateForfeitPayload struct {
	ForfeitedBy types.Side    `json:"forfeited_by"`
	Winner      types.Side    `json:"winner"`
	ProScore    int           `json:"pro_score"`
	ConScore    int           `json:"con_score"`
	ProRating   rating.Change `json:"pro_rating"`
	ConRating   rating.Change `json:"con_rating"`
	Payouts     []PayoutEntry `json:"payouts"`
}

// SpectatorCountPayload reports the fleet-wide viewer count
type SpectatorCountPayload struct {
	Count int `json:"count"`
}

// VoteAcceptedPayload confirms a spectator vote
type VoteAcceptedPayload struct {
	RoundIndex int        `json:"round_index"`
	Choice     types.Side `json:"choice"`
}

// ErrorPayload is the user-visible error shape
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
