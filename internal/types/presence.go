package types

import "time"

// AgentPresence is the online state of one agent
type AgentPresence struct {
	AgentID       string    `json:"agentId"`
	Online        bool      `json:"online"`
	OnlineSince   time.Time `json:"onlineSince"`   // start of the current online streak
	LastHeartbeat time.Time `json:"lastHeartbeat"` // last heartbeat received
	IdleSince     time.Time `json:"idleSince"`     // when the agent last became free
}
