package models

// Event name constants published on internal/corelib/eventbus. These mirror
// the Events emitted list in the external-interfaces section of the design
// so every component uses the same literal string.
const (
	EventInitialized        = "initialized"
	EventAgentRegistered     = "agentRegistered"
	EventAgentUnregistered   = "agentUnregistered"
	EventAgentUpdated        = "agentUpdated"
	EventAgentConnected      = "agentConnected"
	EventAgentDisconnected   = "agentDisconnected"
	EventInstanceUnhealthy   = "instanceUnhealthy"
	EventTaskSubmitted       = "taskSubmitted"
	EventTaskAssigned        = "taskAssigned"
	EventTaskStarted         = "taskStarted"
	EventTaskCompleted       = "taskCompleted"
	EventTaskFailed          = "taskFailed"
	EventTaskStale           = "taskStale"
	EventTaskRetry           = "taskRetry"
	EventTaskReassigned      = "taskReassigned"
	EventBatchCompleted      = "batchCompleted"
	EventPlanStarted         = "planStarted"
	EventPlanCompleted       = "planCompleted"
	EventPlanFailed          = "planFailed"
	EventPlanCancelled       = "planCancelled"
	EventDeploymentCreated   = "deploymentCreated"
	EventDeploymentScaled    = "deploymentScaled"
	EventDeploymentUpdated   = "deploymentUpdated"
	EventDeploymentRemoved   = "deploymentRemoved"
	EventActionExecuted      = "actionExecuted"
	EventResourceWarning     = "resourceWarning"
	EventMessageDeliveryFail = "messageDeliveryFailed"
	EventShutdown            = "shutdown"
)
