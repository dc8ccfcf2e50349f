package tracing

// Span attribute keys used across the bus and subscriber lanes.
const (
	AttrToolName   = "tool.name"
	AttrToolCaller = "tool.caller"
	AttrToolScope  = "tool.scope"

	AttrTaskID    = "task.id"
	AttrTaskCode  = "task.code"
	AttrSubtaskID = "subtask.id"

	AttrLane      = "lane.name"
	AttrEventID   = "event.id"
	AttrEventType = "event.type"

	AttrAgentID   = "agent.id"
	AttrAgentRole = "agent.role"

	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixTool    = "tool."
	SpanPrefixLane    = "lane."
	SpanPrefixIngress = "ingress."
)
