package bus

// Admin-gated tools. Every one of these fails closed for non-admins.

var ToolInboxAppend = Tool{
	Name:        "inbox_append",
	Description: "Append a timestamped line to today's inbox document. Supports an optional base_rev conflict check.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"text":       {Type: "string", Description: "Line to append"},
			"base_rev":   {Type: "string", Description: "Expected current board revision"},
			"request_id": {Type: "string", Description: "Idempotency key"},
		},
		Required: []string{"text"},
	},
}

var ToolBoardSetStatus = Tool{
	Name:        "board_set_status",
	Description: "Set the status cell of a task row on the board.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"task_id":    {Type: "string", Description: "Task id of the row"},
			"status":     {Type: "string", Description: "New status, stored uppercased"},
			"artifacts":  {Type: "string", Description: "Optional artifacts cell"},
			"base_rev":   {Type: "string", Description: "Expected current board revision"},
			"request_id": {Type: "string", Description: "Idempotency key"},
		},
		Required: []string{"task_id", "status"},
	},
}

var ToolDocPatch = Tool{
	Name:        "doc_patch",
	Description: "Replace a named document under the board directory. base_rev is mandatory; a mismatch returns a conflict with a diff.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"name":       {Type: "string", Description: "Document name relative to the board dir"},
			"content":    {Type: "string", Description: "Full replacement content"},
			"base_rev":   {Type: "string", Description: "Expected current document revision"},
			"request_id": {Type: "string", Description: "Idempotency key"},
		},
		Required: []string{"name", "content", "base_rev"},
	},
}

var ToolATASend = Tool{
	Name:        "ata_send",
	Description: "Send an agent-to-agent message directly. The message still passes template validation; only the review queue is skipped.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"taskcode":          {Type: "string"},
			"task_id":           {Type: "string"},
			"from_agent":        {Type: "string", Description: "Defaults to the caller"},
			"to_agent":          {Type: "string"},
			"kind":              {Type: "string", Enum: []string{"request", "ack", "response", "bootstrap"}},
			"payload":           {Type: "object", Description: "Message payload; must carry a message or text string"},
			"priority":          {Type: "string", Enum: []string{"low", "normal", "high", "urgent"}},
			"requires_response": {Type: "boolean"},
			"report_path":       {Type: "string", Description: "Repo-relative report path"},
			"selftest_log_path": {Type: "string", Description: "Repo-relative selftest log path"},
			"evidence_dir":      {Type: "string", Description: "Repo-relative evidence directory"},
		},
		Required: []string{"taskcode", "to_agent", "payload"},
	},
}

var ToolATASendReview = Tool{
	Name:        "ata_send_review",
	Description: "Approve or reject a pending outbox request. Approval runs hard template validation before the real send.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"request_id": {Type: "string", Description: "Outbox request id"},
			"action":     {Type: "string", Enum: []string{"approve", "reject"}},
			"reason":     {Type: "string", Description: "Required for reject"},
		},
		Required: []string{"request_id", "action"},
	},
}

var ToolTaskCreate = Tool{
	Name:        "task_create",
	Description: "Create a task: analyze the description, decompose into subtasks, and publish TaskCreated.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"description":       {Type: "string"},
			"workflow_template": {Type: "string", Description: "Optional template to decompose with"},
			"priority":          {Type: "string"},
			"timeout_seconds":   {Type: "number"},
			"required_roles":    {Type: "array", Items: &PropertySchema{Type: "string"}},
			"area":              {Type: "string", Description: "Task id area prefix"},
			"request_id":        {Type: "string", Description: "Idempotency key"},
		},
		Required: []string{"description"},
	},
}

var ToolAgentRegister = Tool{
	Name:        "agent_register",
	Description: "Register an agent directly, allocating its numeric code.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"agent_id":             {Type: "string"},
			"agent_type":           {Type: "string"},
			"role":                 {Type: "string"},
			"capabilities":         {Type: "array", Items: &PropertySchema{Type: "string"}},
			"max_concurrent_tasks": {Type: "number"},
			"numeric_code":         {Type: "number", Description: "Requested code; rejected when taken"},
			"send_enabled":         {Type: "boolean"},
			"category":             {Type: "string", Enum: []string{"system_ai", "user_ai"}},
		},
		Required: []string{"agent_id", "role"},
	},
}

var ToolAgentApprove = Tool{
	Name:        "agent_approve",
	Description: "Approve a pending agent application, creating the registered agent with optional overrides.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"agent_id":     {Type: "string"},
			"numeric_code": {Type: "number"},
			"send_enabled": {Type: "boolean"},
			"category":     {Type: "string", Enum: []string{"system_ai", "user_ai"}},
		},
		Required: []string{"agent_id"},
	},
}

var ToolWorkflowExecute = Tool{
	Name:        "workflow_execute",
	Description: "Start a workflow instance from a named template. The first ready steps are dispatched through the outbox.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"workflow": {Type: "string", Description: "Template name"},
			"inputs":   {Type: "object"},
			"task_id":  {Type: "string", Description: "Optional owning task id"},
		},
		Required: []string{"workflow"},
	},
}

var ToolResultGet = Tool{
	Name:        "result_get",
	Description: "Merge a task's subtask results with the chosen strategy.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"task_id":              {Type: "string"},
			"strategy":             {Type: "string", Enum: []string{"concatenate", "intelligent", "voting", "weighted"}},
			"include_intermediate": {Type: "boolean", Description: "Fall back to message files when the task document is missing"},
			"weights":              {Type: "object", Description: "subtask_id to weight, weighted strategy only"},
		},
		Required: []string{"task_id"},
	},
}

var ToolAdminVaultPut = Tool{
	Name:        "admin_vault_put",
	Description: "Store a value in the admin vault.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"key":   {Type: "string"},
			"value": {Type: "string"},
		},
		Required: []string{"key", "value"},
	},
}

var ToolAdminVaultGet = Tool{
	Name:        "admin_vault_get",
	Description: "Read a value from the admin vault.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"key": {Type: "string"},
		},
		Required: []string{"key"},
	},
}

// Public tools.

var ToolATASendRequest = Tool{
	Name:        "ata_send_request",
	Description: "Submit an agent-to-agent message for admin review. The message is not sent until an admin approves it.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"taskcode":          {Type: "string"},
			"task_id":           {Type: "string"},
			"from_agent":        {Type: "string", Description: "Defaults to the caller"},
			"to_agent":          {Type: "string"},
			"kind":              {Type: "string", Enum: []string{"request", "ack", "response", "bootstrap"}},
			"payload":           {Type: "object"},
			"priority":          {Type: "string", Enum: []string{"low", "normal", "high", "urgent"}},
			"requires_response": {Type: "boolean"},
			"context_hint":      {Type: "string"},
			"report_path":       {Type: "string"},
			"selftest_log_path": {Type: "string"},
			"evidence_dir":      {Type: "string"},
		},
		Required: []string{"taskcode", "to_agent", "payload"},
	},
}

var ToolAgentApply = Tool{
	Name:        "agent_apply",
	Description: "Apply for registration. An admin must approve the application before the agent exists.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"agent_id":             {Type: "string"},
			"agent_type":           {Type: "string"},
			"role":                 {Type: "string"},
			"capabilities":         {Type: "array", Items: &PropertySchema{Type: "string"}},
			"max_concurrent_tasks": {Type: "number"},
		},
		Required: []string{"agent_id", "role"},
	},
}

var ToolATAReceive = Tool{
	Name:        "ata_receive",
	Description: "List the messages addressed to the caller under a task. Requires registration.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"task_key": {Type: "string", Description: "Task id or taskcode"},
		},
		Required: []string{"task_key"},
	},
}

var ToolATAMessageMark = Tool{
	Name:        "ata_message_mark",
	Description: "Mark a received message's delivery status. Only the recipient may mark.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"task_key": {Type: "string"},
			"msg_id":   {Type: "string"},
			"status":   {Type: "string", Enum: []string{"delivered", "read", "acked", "archived"}},
		},
		Required: []string{"task_key", "msg_id", "status"},
	},
}

var ToolInboxTail = Tool{
	Name:        "inbox_tail",
	Description: "Return the last N lines of today's inbox document.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"limit": {Type: "number", Description: "Defaults to 10"},
		},
	},
}

var ToolBoardGet = Tool{
	Name:        "board_get",
	Description: "Read the board: full content, current revision, and parsed rows. Pass task_id to fetch one row.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"task_id": {Type: "string"},
		},
	},
}

var ToolEcho = Tool{
	Name:        "echo",
	Description: "Echo the arguments back. Connectivity check.",
	InputSchema: &InputSchema{Type: "object"},
}

var ToolPing = Tool{
	Name:        "ping",
	Description: "Liveness check.",
	InputSchema: &InputSchema{Type: "object"},
}

var ToolDialogRegister = Tool{
	Name:        "dialog_register",
	Description: "Register a dialog endpoint for an agent so peers can find it.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"agent_id": {Type: "string", Description: "Defaults to the caller"},
			"endpoint": {Type: "string"},
			"metadata": {Type: "object"},
		},
		Required: []string{"endpoint"},
	},
}

var ToolDialogList = Tool{
	Name:        "dialog_list",
	Description: "List registered dialog endpoints.",
	InputSchema: &InputSchema{Type: "object"},
}

var ToolConversationGet = Tool{
	Name:        "conversation_get",
	Description: "Read the conversation context for a taskcode.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"taskcode": {Type: "string"},
		},
		Required: []string{"taskcode"},
	},
}

var ToolConversationRecord = Tool{
	Name:        "conversation_record",
	Description: "Merge an update into the conversation context for a taskcode.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"taskcode":     {Type: "string"},
			"to_agent":     {Type: "string"},
			"summary":      {Type: "string"},
			"key_points":   {Type: "array", Items: &PropertySchema{Type: "string"}},
			"next_actions": {Type: "array", Items: &PropertySchema{Type: "string"}},
			"status":       {Type: "string"},
		},
		Required: []string{"taskcode"},
	},
}

// System hooks: authenticated system callers, no admin requirement.

var ToolATATaskCreate = Tool{
	Name:        "ata_task_create",
	Description: "Create or ensure a task from a system caller, resolving the taskcode to a canonical task id.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"task_code":   {Type: "string"},
			"area":        {Type: "string"},
			"description": {Type: "string"},
			"request_id":  {Type: "string", Description: "Idempotency key"},
		},
		Required: []string{"description"},
	},
}

var ToolATATaskStatus = Tool{
	Name:        "ata_task_status",
	Description: "Update a task or subtask status.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"task_id":    {Type: "string"},
			"subtask_id": {Type: "string", Description: "When present, updates the subtask"},
			"status":     {Type: "string"},
			"error":      {Type: "string"},
			"request_id": {Type: "string", Description: "Idempotency key"},
		},
		Required: []string{"task_id", "status"},
	},
}

var ToolATATaskResult = Tool{
	Name:        "ata_task_result",
	Description: "Submit a canonical result pack for a task. The pack is validated against the contract before anything else happens.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"pack":       {Type: "object", Description: "Canonical result pack"},
			"subtask_id": {Type: "string", Description: "Subtask to attach the result to"},
			"request_id": {Type: "string", Description: "Idempotency key"},
		},
		Required: []string{"pack"},
	},
}

var ToolATACIVerify = Tool{
	Name:        "ata_ci_verify",
	Description: "Process a CI verdict document: publish VerdictGenerated and append repair subtasks for failures.",
	InputSchema: &InputSchema{
		Type: "object",
		Properties: map[string]*PropertySchema{
			"verdict": {Type: "object", Description: "Verdict JSON document"},
		},
		Required: []string{"verdict"},
	},
}
