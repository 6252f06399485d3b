package router

import (
	"encoding/json"
	"fmt"

	"github.com/neo/debatearena_backend/internal/preset"
	"github.com/neo/debatearena_backend/internal/types"
)

// Agent socket message types. The set is closed in both directions;
// unknown tags are answered with INVALID_MESSAGE.
const (
	// Server -> Agent
	MsgConnected      = "connected"
	MsgPing           = "ping"
	MsgDebateRequest  = "debate_request"
	MsgQueueJoined    = "queue_joined"
	MsgQueueLeft      = "queue_left"
	MsgQueueError     = "queue_error"
	MsgDebateComplete = "debate_complete"
	MsgError          = "error"

	// Agent -> Server
	MsgPong           = "pong"
	MsgDebateResponse = "debate_response"
	MsgResponseChunk  = "response_chunk" // Streaming, reserved
	MsgQueueJoin      = "queue_join"
	MsgQueueLeave     = "queue_leave"
)

// Connected is the post-handshake welcome
type Connected struct {
	Type    string `json:"type"`
	BotID   string `json:"bot_id"`
	BotName string `json:"bot_name"`
}

// Ping is the 30s liveness probe
type Ping struct {
	Type string `json:"type"`
}

// HistoryMessage is one prior turn included in a debate request
type HistoryMessage struct {
	RoundIndex int        `json:"round_index"`
	Position   types.Side `json:"position"`
	Content    string     `json:"content"`
}

// DebateRequest asks an agent for one turn
type DebateRequest struct {
	Type                string           `json:"type"`
	RequestID           string           `json:"request_id"`
	DebateID            string           `json:"debate_id"`
	Round               string           `json:"round"`
	Topic               string           `json:"topic"`
	Position            types.Side       `json:"position"`
	OpponentLastMessage *string          `json:"opponent_last_message"`
	TimeLimitSeconds    int              `json:"time_limit_seconds"`
	WordLimit           preset.Limit     `json:"word_limit"`
	CharLimit           preset.Limit     `json:"char_limit"`
	MessagesSoFar       []HistoryMessage `json:"messages_so_far"`
}

// QueueJoined confirms queue entry
type QueueJoined struct {
	Type      string   `json:"type"`
	QueueIDs  []string `json:"queue_ids"`
	Stake     int64    `json:"stake"`
	PresetIDs []string `json:"preset_ids"`
}

// QueueLeft confirms queue departure
type QueueLeft struct {
	Type string `json:"type"`
}

// QueueError reports a rejected queue operation
type QueueError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// DebateComplete is the fire-and-forget end-of-contest notification
type DebateComplete struct {
	Type      string `json:"type"`
	DebateID  string `json:"debate_id"`
	Won       *bool  `json:"won"` // nil on tie
	EloChange int    `json:"elo_change"`
}

// ErrorMessage is the user-visible error envelope
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentMessage is the union of everything an agent may send
type AgentMessage struct {
	Type       string   `json:"type"`
	RequestID  string   `json:"request_id,omitempty"`
	Message    string   `json:"message,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Text       string   `json:"text,omitempty"`
	Stake      int64    `json:"stake,omitempty"`
	PresetID   string   `json:"preset_id,omitempty"`
}

// Response is a validated agent answer to a debate request
type Response struct {
	Message    string   `json:"message"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// MaxResponseChars bounds an accepted response payload
const MaxResponseChars = 8000

// ValidateResponse enforces the declared response schema
func ValidateResponse(r *Response) error {
	if r.Message == "" {
		return fmt.Errorf("response message is empty")
	}
	if len(r.Message) > MaxResponseChars {
		return fmt.Errorf("response message exceeds %d characters", MaxResponseChars)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("confidence %.3f outside [0,1]", *r.Confidence)
	}
	return nil
}

// Cross-replica bus envelopes carried on inbox:replica:{id} and
// channel:agent_response:{request_id}.
const (
	busAgentRequest  = "agent_request"
	busAgentResponse = "agent_response"
	busAgentNotify   = "agent_notify"
)

type busEnvelope struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Request        *DebateRequest  `json:"request,omitempty"`
	Response       *Response       `json:"response,omitempty"`
	Error          string          `json:"error,omitempty"`
	Notify         *DebateComplete `json:"notify,omitempty"`
}

func (e busEnvelope) encode() []byte {
	data, _ := json.Marshal(e)
	return data
}
