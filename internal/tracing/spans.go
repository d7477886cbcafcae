package tracing

// Span attribute keys for coordination tracing.
const (
	// Message attributes
	AttrMessageID   = "message.id"
	AttrMessageType = "message.type"
	AttrChannel     = "message.channel"
	AttrPriority    = "message.priority"
	AttrCorrelation = "message.correlation_id"

	// Agent attributes
	AttrAgentID = "agent.id"

	// Task attributes
	AttrTaskID     = "task.id"
	AttrTaskStatus = "task.status"

	// Vote attributes
	AttrVoteID        = "vote.id"
	AttrVoteMechanism = "vote.mechanism"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixQueue = "queue."
	SpanPrefixBoard = "board."
	SpanPrefixVote  = "vote."
	SpanPrefixStore = "store."
)
