package types

import (
	"fmt"
)

// ContestStatus represents the lifecycle status of a contest
type ContestStatus string

const (
	ContestPending    ContestStatus = "pending"     // Created but not yet started
	ContestInProgress ContestStatus = "in_progress" // Rounds are being played
	ContestVoting     ContestStatus = "voting"      // A vote window is open
	ContestCompleted  ContestStatus = "completed"   // Finished with a stable winner (or tie)
	ContestCancelled  ContestStatus = "cancelled"   // Terminal, no winner
)

// RoundStatus represents the status of the current round within a contest
type RoundStatus string

const (
	RoundPending       RoundStatus = "pending"        // Round not yet started
	RoundBotResponding RoundStatus = "bot_responding" // Turns are being collected
	RoundVoting        RoundStatus = "voting"         // Spectator vote window is open
	RoundCompleted     RoundStatus = "completed"      // Outcome tallied and persisted
)

// Side identifies one side of a contest (or neither, for ties)
type Side string

const (
	SidePro  Side = "pro"
	SideCon  Side = "con"
	SideNone Side = "none"
)

// Speaker identifies who speaks in a round spec
type Speaker string

const (
	SpeakerPro  Speaker = "pro"
	SpeakerCon  Speaker = "con"
	SpeakerBoth Speaker = "both"
)

var (
	contestStatusMap = map[string]ContestStatus{
		string(ContestPending):    ContestPending,
		string(ContestInProgress): ContestInProgress,
		string(ContestVoting):     ContestVoting,
		string(ContestCompleted):  ContestCompleted,
		string(ContestCancelled):  ContestCancelled,
	}

	roundStatusMap = map[string]RoundStatus{
		string(RoundPending):       RoundPending,
		string(RoundBotResponding): RoundBotResponding,
		string(RoundVoting):        RoundVoting,
		string(RoundCompleted):     RoundCompleted,
	}

	sideMap = map[string]Side{
		string(SidePro):  SidePro,
		string(SideCon):  SideCon,
		string(SideNone): SideNone,
	}

	speakerMap = map[string]Speaker{
		string(SpeakerPro):  SpeakerPro,
		string(SpeakerCon):  SpeakerCon,
		string(SpeakerBoth): SpeakerBoth,
	}
)

// Error types for invalid values
var (
	ErrInvalidContestStatus = fmt.Errorf("invalid contest status")
	ErrInvalidRoundStatus   = fmt.Errorf("invalid round status")
	ErrInvalidSide          = fmt.Errorf("invalid side")
	ErrInvalidSpeaker       = fmt.Errorf("invalid speaker")
)

// IsValid checks if the ContestStatus is valid
func (s ContestStatus) IsValid() bool {
	_, ok := contestStatusMap[string(s)]
	return ok
}

// String converts the enum to string
func (s ContestStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status admits no further transitions
func (s ContestStatus) IsTerminal() bool {
	return s == ContestCompleted || s == ContestCancelled
}

// ParseContestStatus parses a string into a ContestStatus
func ParseContestStatus(s string) (ContestStatus, error) {
	if status, ok := contestStatusMap[s]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidContestStatus, s)
}

// IsValid checks if the RoundStatus is valid
func (s RoundStatus) IsValid() bool {
	_, ok := roundStatusMap[string(s)]
	return ok
}

// String converts the enum to string
func (s RoundStatus) String() string {
	return string(s)
}

// ParseRoundStatus parses a string into a RoundStatus
func ParseRoundStatus(s string) (RoundStatus, error) {
	if status, ok := roundStatusMap[s]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidRoundStatus, s)
}

// IsValid checks if the Side is valid
func (s Side) IsValid() bool {
	_, ok := sideMap[string(s)]
	return ok
}

// String converts the enum to string
func (s Side) String() string {
	return string(s)
}

// Opponent returns the opposing side. SideNone has no opponent.
func (s Side) Opponent() Side {
	switch s {
	case SidePro:
		return SideCon
	case SideCon:
		return SidePro
	default:
		return SideNone
	}
}

// ParseSide parses a string into a Side
func ParseSide(s string) (Side, error) {
	if side, ok := sideMap[s]; ok {
		return side, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidSide, s)
}

// IsValid checks if the Speaker is valid
func (s Speaker) IsValid() bool {
	_, ok := speakerMap[string(s)]
	return ok
}

// String converts the enum to string
func (s Speaker) String() string {
	return string(s)
}

// Sides returns the speaking sides of a round in order
func (s Speaker) Sides() []Side {
	switch s {
	case SpeakerPro:
		return []Side{SidePro}
	case SpeakerCon:
		return []Side{SideCon}
	case SpeakerBoth:
		return []Side{SidePro, SideCon}
	default:
		return nil
	}
}

// ParseSpeaker parses a string into a Speaker
func ParseSpeaker(s string) (Speaker, error) {
	if speaker, ok := speakerMap[s]; ok {
		return speaker, nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidSpeaker, s)
}

// WebSocket close codes for the agent socket
const (
	CloseInvalidURL   = 4001 // Connection URL is malformed
	CloseInvalidToken = 4002 // Token does not resolve to an active agent
	CloseReplaced     = 4003 // A newer connection for the same agent took over
)

// Stable error codes sent to clients as error{code,message}
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeInvalidDebateID  = "INVALID_DEBATE_ID"
	CodeWrongDebate      = "WRONG_DEBATE"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeInvalidVote      = "INVALID_VOTE"
	CodeVoteFailed       = "VOTE_FAILED"
	CodeDebateCancelled  = "DEBATE_CANCELLED"
)
