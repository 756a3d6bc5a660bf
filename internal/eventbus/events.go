package eventbus

// Event types published across the engine and monitor. Payloads are small
// structs owned by the publishing package.
const (
	TypeTaskStarted   = "task.started"
	TypeTaskRetrying  = "task.retrying"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskEscalated = "task.escalated"

	TypeSystemAlert  = "system.alert"
	TypeLoadShedding = "system.load_shedding"
	TypeConfigReload = "config.reloaded"
)
