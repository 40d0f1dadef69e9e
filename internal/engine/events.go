package engine

import (
	"time"
)

// MetaState is the runner's operational state, reported in command
// acknowledgements and status queries.
type MetaState string

const (
	MetaRunning MetaState = "running"
	MetaPaused  MetaState = "paused"
	MetaStopped MetaState = "stopped"
)

// Command is an operator control command. Each is idempotent and is
// acknowledged with the runner's resulting meta-state.
type Command string

const (
	CmdPause        Command = "pause"
	CmdResume       Command = "resume"
	CmdStop         Command = "stop"
	CmdForceFlatten Command = "force_flatten"
	CmdForceUpdate  Command = "force_update"
)

// ParseCommand validates an operator command string.
func ParseCommand(s string) (Command, bool) {
	switch Command(s) {
	case CmdPause, CmdResume, CmdStop, CmdForceFlatten, CmdForceUpdate:
		return Command(s), true
	}
	return "", false
}

// Event is one output record pushed to persistence/UI collaborators on a
// meaningful state transition. Data is a JSON-encodable snapshot.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Event types emitted by the runner.
const (
	EventTypeAccount  = "account"
	EventTypePosition = "position"
	EventTypeTrade    = "trade"
	EventTypeState    = "state"
)

// EventSink receives runner output events. Publish must not block: slow
// consumers drop events, they never stall the decision loop.
type EventSink interface {
	Publish(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
