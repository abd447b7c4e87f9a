package nodes

// Node names of the agent graph.
const (
	NodeClassifyIntent = "classify_intent"
	NodeDBLookup       = "db_lookup"
	NodeUpdateProfile  = "update_profile"
	NodePlanTools      = "plan_tools"
	NodeExecuteTools   = "execute_tools"
	NodeSynthesize     = "synthesize"
	NodeDraftWithLocal = "draft_with_local"
	NodeValidate       = "validate"
	NodeEscalate       = "escalate"
	NodeEmitFinal      = "emit_final"
)

// Tool names the planner asks for.
const (
	ToolWebSearch    = "web_search"
	ToolDBSearch     = "db_search"
	ToolShellCommand = "shell_command"
)
