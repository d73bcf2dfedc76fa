package types

// ServiceLevel tracks how many conversations were picked up within the threshold
type ServiceLevel struct {
	Target        int     `json:"target"`        // target percentage (e.g., 80)
	ThresholdSecs int     `json:"thresholdSecs"` // threshold in seconds (e.g., 60)
	AnsweredInSL  int     `json:"answeredInSL"`
	TotalAnswered int     `json:"totalAnswered"`
	CurrentSL     float64 `json:"currentSL"`
}

// QueueSnapshot is the payload of queue.updated
type QueueSnapshot struct {
	PendingCount    int          `json:"pendingCount"`
	ActiveCount     int          `json:"activeCount"`
	OnlineAgents    int          `json:"onlineAgents"`
	LongestWaitSecs float64      `json:"longestWaitSecs"`
	ServiceLevel    ServiceLevel `json:"serviceLevel"`
}

// Assignment is the payload of conversation.assigned
type Assignment struct {
	ConversationID int64  `json:"conversationId"`
	AgentID        string `json:"agentId"`
}
