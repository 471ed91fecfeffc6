package constants

// JobStatus is the canonical status for rows in report_job.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending   JobStatus = "PENDING"   // accepted, not dispatched yet
	JobStatusRunning   JobStatus = "RUNNING"   // extraction in progress
	JobStatusCompleted JobStatus = "COMPLETED" // all expected metrics resolved
	JobStatusDegraded  JobStatus = "DEGRADED"  // some metrics unresolved / flagged for review
	JobStatusFailed    JobStatus = "FAILED"    // terminal infrastructure failure
)

// Terminal reports whether a job in this status has finished its run.
// Only terminal jobs may be re-submitted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusDegraded, JobStatusFailed:
		return true
	}
	return false
}

// MetricSource records which actor produced an extracted metric value.
type MetricSource string

const (
	SourceLocal  MetricSource = "LOCAL"  // local recognition engine
	SourceRemote MetricSource = "REMOTE" // vision-language model fallback
	SourceManual MetricSource = "MANUAL" // human correction; authoritative
)

// Automated reports whether the source is machine-produced and may be
// superseded by a later automated run.
func (s MetricSource) Automated() bool {
	return s == SourceLocal || s == SourceRemote
}
