package bus

// Run lifecycle topics, published by the lane manager.
const (
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
	TopicRunCancelled = "run.cancelled"
)

// Scheduled-job topics, published by the scheduler.
const (
	TopicJobFired     = "job.fired"
	TopicJobSkipped   = "job.skipped"
	TopicJobCompleted = "job.completed"
	TopicJobFailed    = "job.failed"
)

// Queue topics, published by the queue manager and worker.
const (
	TopicQueueEnqueued = "queue.enqueued"
	TopicQueueRetrying = "queue.retrying"
	TopicQueueComplete = "queue.completed"
	TopicQueueFailed   = "queue.failed"
)

// RunEvent accompanies every run.* topic.
type RunEvent struct {
	RunID    string // Run ID
	Lane     string // Lane the run belongs to
	Executor string // Executor name
	Status   string // Final status for terminal topics, "running" for run.started
	ExitCode int    // Exit code for terminal topics
}

// JobEvent accompanies every job.* topic.
type JobEvent struct {
	JobID   string // Scheduled job ID
	Name    string // Human-readable job name
	Lane    string // Target lane
	RunID   string // Run produced by the trigger ("" for skips)
	Success bool   // Outcome for job.completed/job.failed
	Skipped bool   // True for job.skipped (lane busy)
}

// QueueEvent accompanies every queue.* topic.
type QueueEvent struct {
	ItemID   int64  // Queue item ID
	Attempts int    // Executed attempts so far
	Status   string // Item status after the transition
	Error    string // Last handler error, if any
}
