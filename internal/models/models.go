// Package models holds the data types shared across every control-plane
// component: agents and capabilities, tasks and execution plans, messages
// and channels, deployment/lifecycle types, metrics, and optimization rules.
// Payloads are opaque to the core (encoding/json.RawMessage); only the
// envelope fields listed here are ever inspected by a component.
package models

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle status of a registered agent.
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentBusy        AgentStatus = "busy"
	AgentError       AgentStatus = "error"
	AgentMaintenance AgentStatus = "maintenance"
	AgentOffline     AgentStatus = "offline"
)

// ResourceRequirements describes a capability's resource envelope.
type ResourceRequirements struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Network float64 `json:"network"`
}

// Capability is a named skill an agent advertises.
type Capability struct {
	Type                  string               `json:"type"`
	Priority              int                  `json:"priority"`
	MaxConcurrency        int                  `json:"maxConcurrency"`
	EstimatedExecTime     time.Duration         `json:"estimatedExecutionTime"`
	DependsOn             []string             `json:"dependencies,omitempty"`
	Resources             ResourceRequirements `json:"resources"`
}

// PerformanceCounters tracks an agent's rolling execution statistics.
type PerformanceCounters struct {
	Completed    int64     `json:"completed"`
	AvgExecTime  float64   `json:"avgExecTimeMs"`
	SuccessRate  float64   `json:"successRate"`
	LastActivity time.Time `json:"lastActivity"`
}

// HealthGauges holds the latest sampled health readings for an agent.
type HealthGauges struct {
	CPU          float64   `json:"cpu"`
	Memory       float64   `json:"memory"`
	UptimeSec    float64   `json:"uptimeSeconds"`
	ErrorCount   int64     `json:"errorCount"`
	ResponseTime float64   `json:"responseTimeMs"`
	SampledAt    time.Time `json:"sampledAt"`
}

// Endpoint is a reachable address for an agent (websocket, http, or pubsub).
type Endpoint struct {
	URL    string `json:"url"`
	Scheme string `json:"scheme"`
}

// AgentSpec is the input to Register.
type AgentSpec struct {
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	Endpoints    []Endpoint   `json:"endpoints"`
	Tags         []string     `json:"tags,omitempty"`
	Region       string       `json:"region,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Agent is the full registry record for a worker.
type Agent struct {
	AgentID      string              `json:"agentId"`
	Name         string              `json:"name"`
	Type         string              `json:"type"`
	Status       AgentStatus         `json:"status"`
	Capabilities []Capability        `json:"capabilities"`
	Endpoints    []Endpoint          `json:"endpoints"`
	CurrentTasks []string            `json:"currentTasks"`
	Performance  PerformanceCounters `json:"performance"`
	Health       HealthGauges        `json:"health"`
	Tags         []string            `json:"tags,omitempty"`
	Region       string              `json:"region,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// PrimaryCapability returns the agent's first capability, or nil if it has none.
func (a *Agent) PrimaryCapability() *Capability {
	if len(a.Capabilities) == 0 {
		return nil
	}
	return &a.Capabilities[0]
}

// HasCapabilities reports whether the agent advertises every type in want.
func (a *Agent) HasCapabilities(want []string) bool {
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c.Type] = struct{}{}
	}
	for _, w := range want {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

// TaskPriority is the submission priority of a task.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// BaseScore maps a priority to the base component of the queue score.
func (p TaskPriority) BaseScore() int64 {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 1
	}
}

// TaskStatus is the task state-machine position.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskConstraints bounds retry, deadline, and timeout behavior for a task.
type TaskConstraints struct {
	MaxRetries int           `json:"maxRetries"`
	Timeout    time.Duration `json:"timeout"`
	Deadline   *time.Time    `json:"deadline,omitempty"`
}

// TaskSpec is the input to SubmitTask.
type TaskSpec struct {
	Type                 string          `json:"type"`
	Priority             TaskPriority    `json:"priority"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Dependencies         []string        `json:"dependencies,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	Constraints          TaskConstraints `json:"constraints"`
	ScheduledFor         *time.Time      `json:"scheduledFor,omitempty"`
	BatchID              string          `json:"batchId,omitempty"`
}

// Task is the full record tracked through the queue and conductor.
type Task struct {
	TaskID               string          `json:"taskId"`
	Type                 string          `json:"type"`
	Priority             TaskPriority    `json:"priority"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Dependencies         []string        `json:"dependencies,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	Constraints          TaskConstraints `json:"constraints"`
	Status               TaskStatus      `json:"status"`
	AssignedAgent        string          `json:"assignedAgent,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	RetryCount           int             `json:"retryCount"`
	ScheduledFor         *time.Time      `json:"scheduledFor,omitempty"`
	BatchID              string          `json:"batchId,omitempty"`
	PlanID               string          `json:"planId,omitempty"`
}

// GroupType is the execution style of a TaskGroup within an ExecutionPlan.
type GroupType string

const (
	GroupSequential GroupType = "sequential"
	GroupParallel   GroupType = "parallel"
	GroupConditional GroupType = "conditional"
)

// TaskGroup is one step of an execution plan.
type TaskGroup struct {
	Type           GroupType `json:"type"`
	Members        []string  `json:"members"`
	MaxConcurrency int       `json:"maxConcurrency,omitempty"`
	Condition      string    `json:"condition,omitempty"`
}

// PlanConstraints bounds overall plan execution.
type PlanConstraints struct {
	MaxDuration       time.Duration `json:"maxDuration,omitempty"`
	RollbackOnFailure bool          `json:"rollbackOnFailure,omitempty"`
}

// Workflow is the submission shape for submitWorkflow: a named task set plus
// a dependency map, expanded into individual task submissions by the caller.
type Workflow struct {
	Name         string              `json:"name"`
	Tasks        []TaskSpec          `json:"tasks"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	Groups       []TaskGroup         `json:"groups,omitempty"`
	Constraints  PlanConstraints     `json:"constraints"`
}

// ExecutionPlan is the submission shape for submitPlan: an already-built DAG
// of known task ids plus explicit groups.
type ExecutionPlan struct {
	PlanID       string              `json:"planId"`
	Name         string              `json:"name"`
	TaskIDs      []string            `json:"taskIds"`
	Dependencies map[string][]string `json:"dependencies"`
	Groups       []TaskGroup         `json:"groups"`
	Constraints  PlanConstraints     `json:"constraints"`
	MaxConcurrency int               `json:"maxConcurrency"`
}

// MessageType classifies a Message on the router.
type MessageType string

const (
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageEvent     MessageType = "event"
	MessageBroadcast MessageType = "broadcast"
	MessageSystem    MessageType = "system"
)

// Message is the wire envelope exchanged over the router/transport.
type Message struct {
	MessageID     string          `json:"messageId"`
	Type          MessageType     `json:"type"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	TTL           time.Duration   `json:"ttl,omitempty"`
	Priority      TaskPriority    `json:"priority,omitempty"`
	RequiresAck   bool            `json:"requiresAck"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
}

// IsBroadcastTarget reports whether To addresses every known agent.
func (m *Message) IsBroadcastTarget() bool {
	return len(m.To) == 1 && m.To[0] == "*"
}

// ChannelType classifies delivery semantics for a Channel.
type ChannelType string

const (
	ChannelDirect    ChannelType = "direct"
	ChannelBroadcast ChannelType = "broadcast"
	ChannelTopic     ChannelType = "topic"
	ChannelQueue     ChannelType = "queue"
)

// ChannelConfig is the tunable policy for a Channel.
type ChannelConfig struct {
	Persistent     bool          `json:"persistent"`
	MaxMessages    int           `json:"maxMessages"`
	RetentionMs    int64         `json:"retentionMs"`
	AllowAnonymous bool          `json:"allowAnonymous"`
}

// Channel groups a set of agent participants under shared delivery semantics.
type Channel struct {
	ChannelID    string        `json:"channelId"`
	Name         string        `json:"name"`
	Type         ChannelType   `json:"type"`
	Participants []string      `json:"participants"`
	Config       ChannelConfig `json:"config"`
}

// InstanceLifecycle is the state of a single deployed AgentInstance.
type InstanceLifecycle string

const (
	InstancePending  InstanceLifecycle = "pending"
	InstanceRunning  InstanceLifecycle = "running"
	InstanceStopping InstanceLifecycle = "stopping"
	InstanceStopped  InstanceLifecycle = "stopped"
	InstanceFailed   InstanceLifecycle = "failed"
	InstanceUpdating InstanceLifecycle = "updating"
)

// ScalingPolicy configures the lifecycle manager's auto-scaler loop.
type ScalingPolicy struct {
	Enabled       bool    `json:"enabled"`
	Min           int     `json:"min"`
	Max           int     `json:"max"`
	ScaleUpPct    float64 `json:"scaleUpPct"`
	ScaleDownPct  float64 `json:"scaleDownPct"`
	CooldownMs    int64   `json:"cooldownMs"`
}

// HealthProbe describes how the lifecycle manager checks instance health.
type HealthProbe struct {
	Kind                string        `json:"kind"` // http | tcp | exec
	Target              string        `json:"target"`
	InitialDelaySeconds int           `json:"initialDelaySeconds"`
	PeriodSeconds       int           `json:"periodSeconds"`
	TimeoutSeconds      int           `json:"timeoutSeconds"`
	FailureThreshold    int           `json:"failureThreshold"`
}

// UpdateStrategy selects a deployment rollout algorithm and its knobs.
type UpdateStrategy struct {
	Kind           string  `json:"kind"` // rolling | recreate | blue-green | canary
	MaxUnavailable string  `json:"maxUnavailable,omitempty"`
	CanarySteps    []CanaryStep `json:"canarySteps,omitempty"`
}

// CanaryStep is one weighted step of a canary rollout.
type CanaryStep struct {
	WeightPct    int           `json:"weightPct"`
	PauseFor     time.Duration `json:"pauseFor,omitempty"`
	AnalysisHook string        `json:"analysisHook,omitempty"`
}

// AgentTemplate defines the image, resources, scaling, and update policy for
// a class of deployable agent instances.
type AgentTemplate struct {
	TemplateID string               `json:"templateId"`
	Name       string               `json:"name"`
	Image      string               `json:"image"`
	Resources  ResourceRequirements `json:"resources"`
	Scaling    ScalingPolicy        `json:"scaling"`
	Probe      HealthProbe          `json:"probe"`
	Update     UpdateStrategy       `json:"update"`
}

// Deployment binds a template to a desired replica count with overrides.
type Deployment struct {
	DeploymentID string            `json:"deploymentId"`
	TemplateRef  string            `json:"templateRef"`
	Replicas     int               `json:"replicas"`
	Env          map[string]string `json:"env,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// AgentInstance is a single running replica of a deployment.
type AgentInstance struct {
	InstanceID   string            `json:"instanceId"`
	DeploymentID string            `json:"deploymentId"`
	Lifecycle    InstanceLifecycle `json:"lifecycle"`
	Node         string            `json:"node"`
	Ports        map[string]int    `json:"ports,omitempty"`
	Healthy      bool              `json:"healthy"`
	UptimeSec    float64           `json:"uptimeSeconds"`
	Restarts     int               `json:"restarts"`
	StartedAt    time.Time         `json:"startedAt"`
}

// ScalingEvent records one auto-scaler decision for a deployment.
type ScalingEvent struct {
	DeploymentID string    `json:"deploymentId"`
	At           time.Time `json:"at"`
	FromReplicas int       `json:"fromReplicas"`
	ToReplicas   int       `json:"toReplicas"`
	Reason       string    `json:"reason"`
}

// MetricType classifies a Metric sample.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
	MetricSummary   MetricType = "summary"
)

// Metric is a single observability data point fed into the optimizer.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// RuleKind classifies an OptimizationRule's condition evaluator.
type RuleKind string

const (
	RuleThreshold RuleKind = "threshold"
	RulePattern   RuleKind = "pattern"
	RuleML        RuleKind = "ml"
)

// RuleAction is the action a rule fires when its condition is true.
type RuleAction string

const (
	ActionScaleUp   RuleAction = "scale_up"
	ActionScaleDown RuleAction = "scale_down"
	ActionRebalance RuleAction = "rebalance"
	ActionRestart   RuleAction = "restart"
	ActionAlert     RuleAction = "alert"
	ActionCustom    RuleAction = "custom"
)

// OptimizationRule is a condition/action pair evaluated periodically by the
// performance optimizer.
type OptimizationRule struct {
	ID              string         `json:"id"`
	Kind            RuleKind       `json:"kind"`
	Condition       string         `json:"condition"`
	Action          RuleAction     `json:"action"`
	ActionParams    map[string]any `json:"actionParams,omitempty"`
	Enabled         bool           `json:"enabled"`
	Priority        int            `json:"priority"`
	Cooldown        time.Duration  `json:"cooldown"`
	LastTriggeredAt *time.Time     `json:"lastTriggeredAt,omitempty"`
}
