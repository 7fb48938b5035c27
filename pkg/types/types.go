package types

import "time"

// Agent is a logical worker with a prompt, a model, tools, and a schema,
// addressed by id.
type Agent struct {
	ID          string
	Name        string // slug, unique per owner
	DisplayName string
	Description string
	Kind        AgentKind
	Status      AgentStatus
	OwnerID     string
	Version     string // semver

	Configuration map[string]string
	SystemPrompt  string
	Capabilities  []string
	SkillRefs     []string
	ToolRefs      []string
	ConstraintRefs []string
	SecretRefs     []string // environment-secret names injected as AGENT_SECRET_<NAME> on deploy

	InputSchema  *SchemaDoc
	OutputSchema *SchemaDoc
	Tags         []string

	Endpoint string // host:port once active
	ProbeURL string
	AuthToken string

	// Templated-agent fields; zero for kind=external.
	TemplateID     string
	RenderedSource string

	DesiredReplicas int

	// MaxConcurrency caps simultaneous Invoke calls the Dispatcher lets
	// through for this agent; 0 means no cap.
	MaxConcurrency int

	LastUsedAt time.Time
	UsageCount int64
	ErrorCount int64
	LastError  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentKind discriminates how an agent's runtime is owned.
type AgentKind string

const (
	AgentKindTemplated AgentKind = "templated"
	AgentKindExternal  AgentKind = "external"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusInactive  AgentStatus = "inactive"
	AgentStatusDeploying AgentStatus = "deploying"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusError     AgentStatus = "error"
	AgentStatusStopped   AgentStatus = "stopped"
)

// AgentVersion is an immutable snapshot of an agent's configuration,
// prompt, and tool refs, tagged with a semver.
type AgentVersion struct {
	ID        string
	AgentID   string
	Semver    string
	Configuration map[string]string
	SystemPrompt  string
	ToolRefs      []string
	Changelog     string
	CreatedAt     time.Time
}

// Skill is a declared capability unit with typed inputs/outputs.
type Skill struct {
	ID            string
	Name          string
	Category      string
	InputTypes    []string
	OutputTypes   []string
	Prerequisites []string
	UsageCount    int64
	CreatedAt     time.Time
}

// EnvironmentSecret is an owner-scoped named value, stored encrypted
// and never returned in plaintext from the API. Ciphertext is the
// sealed blob; it is cleared before a ListSecrets/CreateSecret response
// crosses the registry boundary.
type EnvironmentSecret struct {
	ID         string
	OwnerID    string
	Name       string
	Ciphertext []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ToolKind discriminates how a tool is invoked.
type ToolKind string

const (
	ToolKindREST     ToolKind = "rest"
	ToolKindFunction ToolKind = "function"
	ToolKindMCP      ToolKind = "mcp"
	ToolKindBuiltin  ToolKind = "builtin"
)

// ToolStats tracks execution statistics for a Tool.
type ToolStats struct {
	TotalCalls   int64
	SuccessCalls int64
	FailCalls    int64
	AvgMs        float64
}

// Tool is an invocable external capability with a schema.
type Tool struct {
	ID       string
	Name     string
	Kind     ToolKind
	Endpoint string
	AuthKind string // "none", "api-key", "oauth", "basic"
	Schema   *SchemaDoc
	Stats    ToolStats
	DocsURL  string
	CreatedAt time.Time
}

// ConstraintKind discriminates a Constraint's rule category.
type ConstraintKind string

const (
	ConstraintKindValidation ConstraintKind = "validation"
	ConstraintKindSecurity   ConstraintKind = "security"
	ConstraintKindPerformance ConstraintKind = "performance"
)

// Constraint is a validation, security, or performance rule applied to
// an agent.
type Constraint struct {
	ID       string
	Name     string
	Kind     ConstraintKind
	RuleBody string
	CreatedAt time.Time
}

// TemplateKind discriminates what a Template instantiates.
type TemplateKind string

const (
	TemplateKindAgent    TemplateKind = "agent"
	TemplateKindTool     TemplateKind = "tool"
	TemplateKindWorkflow TemplateKind = "workflow"
)

// Template is a free-form structured body with {{placeholders}},
// instantiated by a pure render function.
type Template struct {
	ID             string
	Name           string
	Category       string
	Kind           TemplateKind
	Body           string
	ParameterSchema *SchemaDoc
	Version        string
	CreatedAt      time.Time
}

// WorkflowKind discriminates step-execution semantics.
type WorkflowKind string

const (
	WorkflowKindSequential WorkflowKind = "sequential"
	WorkflowKindParallel   WorkflowKind = "parallel"
	WorkflowKindConditional WorkflowKind = "conditional"
)

// WorkflowStatus is the lifecycle state of a Workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// StepCondition gates whether a conditional workflow step executes.
type StepCondition struct {
	Field    string
	Operator ConditionOperator
	Value    string
}

// ConditionOperator is the comparison used to evaluate a StepCondition.
type ConditionOperator string

const (
	ConditionEquals      ConditionOperator = "equals"
	ConditionNotEquals   ConditionOperator = "not-equals"
	ConditionContains    ConditionOperator = "contains"
	ConditionGreaterThan ConditionOperator = "greater-than"
	ConditionLessThan    ConditionOperator = "less-than"
)

// WorkflowStep is one agent invocation within a Workflow's definition.
type WorkflowStep struct {
	AgentRef     string
	InputMapping map[string]string // destination-key -> dotted-path-in-source
	Condition    *StepCondition    // nil for sequential/parallel steps
}

// Workflow is an ordered plan of agent invocations with data mapping
// and optional conditions.
type Workflow struct {
	ID         string
	Name       string
	OwnerID    string
	Kind       WorkflowKind
	Steps      []WorkflowStep
	Status     WorkflowStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExecutionStatus is the terminal or in-flight state of an Execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// StepExecution records the outcome of one WorkflowStep within an
// Execution.
type StepExecution struct {
	AgentRef  string
	Status    ExecutionStatus
	TraceID   string
	Output    map[string]any
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Execution is one run of a Workflow.
type Execution struct {
	ID         string
	WorkflowID string
	Input      map[string]any
	Context    map[string]any
	Steps      []StepExecution
	Outputs    map[string]map[string]any // agent ref -> output
	Status     ExecutionStatus
	Error      string
	StartedAt  time.Time
	CompletedAt time.Time
}

// TraceStatus is the lifecycle state of a Trace.
type TraceStatus string

const (
	TraceStatusStarted TraceStatus = "started"
	TraceStatusSuccess TraceStatus = "success"
	TraceStatusError   TraceStatus = "error"
)

// LLMUsage records token/cost accounting for one invocation.
type LLMUsage struct {
	Model  string
	Tokens int64
	Cost   float64
}

// Trace is a record of one invocation's lifecycle with timing, input,
// output, and status. Spans form a tree via ParentSpanID.
type Trace struct {
	ID           string
	SessionID    string
	EntityRef    string // agent or workflow id
	ParentSpanID string
	Input        map[string]any
	Output       map[string]any
	Usage        *LLMUsage
	StartedAt    time.Time
	EndedAt      time.Time
	DurationMs   int64
	Status       TraceStatus
	ErrorMessage string
}

// Metric is a time-stamped numeric observation with labels.
type Metric struct {
	OwnerID   string // agent id, or "system"
	Name      string
	Value     float64
	Labels    map[string]string
	Unit      string
	Timestamp time.Time
}

// AlertOperator is the comparison an AlertRule applies to a metric
// sample.
type AlertOperator string

const (
	OpLessThan     AlertOperator = "<"
	OpLessEqual    AlertOperator = "<="
	OpEqual        AlertOperator = "="
	OpNotEqual     AlertOperator = "!="
	OpGreaterEqual AlertOperator = ">="
	OpGreaterThan  AlertOperator = ">"
)

// AlertSeverity ranks an AlertRule's urgency.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// SinkConfig names a Notifier sink and its delivery configuration for
// one AlertRule action.
type SinkConfig struct {
	Kind   SinkKind
	Config map[string]string
}

// AlertRule is a predicate over a metric with duration-hysteresis and
// fan-out actions.
type AlertRule struct {
	ID           string
	Name         string
	MetricName   string
	Operator     AlertOperator
	Threshold    float64
	HoldDuration time.Duration
	Severity     AlertSeverity
	Actions      []SinkConfig
	Enabled      bool
	Labels       map[string]string
	CreatedAt    time.Time
}

// AlertState is the lifecycle state of a fired Alert.
type AlertState string

const (
	AlertStateActive   AlertState = "active"
	AlertStateResolved AlertState = "resolved"
	AlertStateSilenced AlertState = "silenced"
)

// Alert is one instance of an AlertRule firing against a specific
// owner.
type Alert struct {
	ID           string
	RuleID       string
	OwnerID      string
	State        AlertState
	CurrentValue float64
	TriggeredAt  time.Time
	ResolvedAt   time.Time
	SilenceUntil time.Time
}

// SchemaDoc describes the shape of a JSON-like value over the closed
// type set the schema evaluator supports.
type SchemaDoc struct {
	Type       SchemaType
	Properties map[string]*SchemaDoc // for Type == SchemaObject
	Items      *SchemaDoc             // for Type == SchemaArray
	Required   []string
}

// SchemaType is the closed set of value kinds a SchemaDoc can describe.
type SchemaType string

const (
	SchemaString   SchemaType = "string"
	SchemaNumber   SchemaType = "number"
	SchemaBoolean  SchemaType = "boolean"
	SchemaObject   SchemaType = "object"
	SchemaArray    SchemaType = "array"
	SchemaText     SchemaType = "text"
	SchemaAudio    SchemaType = "audio"
	SchemaImage    SchemaType = "image"
	SchemaVideo    SchemaType = "video"
	SchemaDocument SchemaType = "document"
	SchemaFile     SchemaType = "file"
	SchemaBinary   SchemaType = "binary"
	SchemaJSON     SchemaType = "json"
	SchemaXML      SchemaType = "xml"
	SchemaCSV      SchemaType = "csv"
	SchemaPDF      SchemaType = "pdf"
	SchemaAny      SchemaType = "any"
)

// SinkKind discriminates a Notifier sink implementation.
type SinkKind string

const (
	SinkWebhook SinkKind = "webhook"
	SinkEmail   SinkKind = "email"
	SinkChat    SinkKind = "chat"
)

// Capability is a derived ability of an agent, merged from skills,
// tools, configuration, or emergent skill/tool pairings.
type Capability struct {
	Name             string
	Category         string
	InputTypes       []string
	OutputTypes      []string
	Confidence       float64
	RequiredSkills   []string
	RequiredTools    []string
	Emergent         bool
}

// Event is a control-plane domain event (for streaming/audit).
type Event struct {
	Type       EventType
	Timestamp  time.Time
	AgentID    string
	WorkflowID string
	ExecutionID string
	Message    string
	Data       map[string]string
}

// EventType enumerates the domain events the control plane emits.
type EventType string

const (
	EventAgentCreated      EventType = "agent.created"
	EventAgentDeployed     EventType = "agent.deployed"
	EventAgentStopped      EventType = "agent.stopped"
	EventAgentError        EventType = "agent.error"
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventAlertFired        EventType = "alert.fired"
	EventAlertResolved     EventType = "alert.resolved"
)
