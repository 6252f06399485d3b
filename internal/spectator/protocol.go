package spectator

// Spectator socket client message types. Unknown tags are answered
// with error{INVALID_MESSAGE}.
const (
	MsgJoinDebate  = "join_debate"
	MsgLeaveDebate = "leave_debate"
	MsgSubmitVote  = "submit_vote"
	MsgPing        = "ping"
)

// ClientMessage is the union of everything a spectator may send
type ClientMessage struct {
	Type       string `json:"type"`
	DebateID   string `json:"debate_id,omitempty"`
	RoundIndex *int   `json:"round_index,omitempty"`
	Choice     string `json:"choice,omitempty"`
}
