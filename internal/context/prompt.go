package context

// PromptData is the data every prompt template renders against.
type PromptData struct {
	AgentName string
	Bio       string
	Time      string

	Sender  string
	Message string

	// State is the concatenated provider output.
	State string

	// Actions lists "NAME: description" lines; ActionNames is a comma list.
	Actions     string
	ActionNames string
	// Providers lists "NAME: description" lines of callable providers.
	Providers string

	Trace         string
	Iteration     int
	MaxIterations int

	// Missing lists required parameters per action for the repair prompt.
	Missing string
}

// Template names.
const (
	ShouldRespond     = "should_respond"
	MessageHandler    = "message_handler"
	ParamRepair       = "param_repair"
	MultiStepDecision = "multi_step_decision"
	MultiStepSummary  = "multi_step_summary"
)

// ContinuationHead and ContinuationTail surround the already delivered
// text in the continuation prompt. The text itself must be escaped before it
// is placed between them.
const (
	ContinuationHead = `You are {{.AgentName}}. You were answering this message from {{.Sender}}:
"{{.Message}}"

Your reply was cut off. This is exactly what the user has already seen:
<delivered>
`
	ContinuationTail = `
</delivered>

Continue the reply from exactly where it stopped. Do not repeat any of the delivered text and do not add a preamble. Output only the continuation.`
)

var builtinTemplates = map[string]string{
	ShouldRespond: `You are {{.AgentName}}, taking part in a group conversation.
{{- if .Bio}}
About you: {{.Bio}}
{{- end}}

{{.State}}

The newest message, from {{.Sender}}:
"{{.Message}}"

Decide whether {{.AgentName}} should reply. Reply when addressed, when the
conversation is about something {{.AgentName}} can help with, or when asked a
question. IGNORE messages not meant for {{.AgentName}}. STOP when asked to
stop or be quiet.

Use action RESPOND, IGNORE or STOP.`,

	MessageHandler: `You are {{.AgentName}}.
{{- if .Bio}}
About you: {{.Bio}}
{{- end}}
Current time: {{.Time}}

{{.State}}

# Available actions
{{.Actions}}
{{- if .Providers}}

# Providers you may ask for more context
{{.Providers}}
{{- end}}

# Task
Write {{.AgentName}}'s next turn in reply to {{.Sender}}:
"{{.Message}}"

Pick the actions to take, in order, from: {{.ActionNames}}.
Use REPLY to answer directly with text. Use IGNORE only when no answer is appropriate.
If an action needs parameters, add a <params> block with JSON keyed by action name.
Set simple to true when the only action is REPLY and no providers are needed.`,

	ParamRepair: `You selected actions that need parameters you did not provide.

Message from {{.Sender}}:
"{{.Message}}"

Missing parameters:
{{.Missing}}

Return ONLY a <params> block containing JSON keyed by action name, for example
<params>{"ACTION_NAME": {"param": "value"}}</params>`,

	MultiStepDecision: `You are {{.AgentName}}, working through a request step by step.
Current time: {{.Time}}
Step {{.Iteration}} of at most {{.MaxIterations}}.

{{.State}}

Request from {{.Sender}}:
"{{.Message}}"

# Available actions
{{.Actions}}

# Available providers
{{.Providers}}

# What has happened so far
{{if .Trace}}{{.Trace}}{{else}}Nothing yet.{{end}}

Choose the next step: providers to consult and at most one action to run.
Put action parameters as JSON in <parameters>.
Set isFinish to true once the request has been fully handled.`,

	MultiStepSummary: `You are {{.AgentName}}.

Request from {{.Sender}}:
"{{.Message}}"

These steps were taken to handle it:
{{if .Trace}}{{.Trace}}{{else}}No steps were taken.{{end}}

Write the final reply to {{.Sender}} summarising the outcome. Speak directly to them.`,
}
