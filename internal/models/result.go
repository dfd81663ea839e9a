package models

import "time"

// Outcome is the terminal status of one database in one batch.
type Outcome string

// Outcome values.
const (
	OutcomeSuccess                     Outcome = "success"
	OutcomeDownloadFailed              Outcome = "download_failed"
	OutcomeValidationFailed            Outcome = "validation_failed"
	OutcomeConnectionTerminationFailed Outcome = "connection_termination_failed"
	OutcomeRecreateFailed              Outcome = "recreate_failed"
	OutcomeRestoreFailed               Outcome = "restore_failed"
	OutcomeDumpFailed                  Outcome = "dump_failed"
	OutcomeUploadFailed                Outcome = "upload_failed"
	OutcomeInterrupted                 Outcome = "interrupted"
)

// Step names the per-database stage that failed.
type Step string

// Step values, in execution order.
const (
	StepValidateName Step = "validate_name"
	StepDownload     Step = "download"
	StepTerminate    Step = "terminate_connections"
	StepRecreate     Step = "recreate"
	StepRestore      Step = "restore"
	StepDump         Step = "dump"
	StepUpload       Step = "upload"
)

// Operation identifies the kind of batch.
type Operation string

// Operation values.
const (
	OperationRestore Operation = "restore"
	OperationBackup  Operation = "backup"
)

// DatabaseResult holds the outcome for a single database.
type DatabaseResult struct {
	Database   string
	Outcome    Outcome
	FailedStep Step // empty on success
	Error      error
	Duration   time.Duration
}

// BatchResult holds per-database outcomes in processing order.
type BatchResult struct {
	Operation Operation
	RunID     string
	StartTime time.Time
	Duration  time.Duration
	Results   []DatabaseResult
}

// Outcomes returns the database name to outcome mapping.
func (b *BatchResult) Outcomes() map[string]Outcome {
	out := make(map[string]Outcome, len(b.Results))
	for _, r := range b.Results {
		out[r.Database] = r.Outcome
	}
	return out
}

// Failed returns the number of databases that did not succeed.
func (b *BatchResult) Failed() int {
	n := 0
	for _, r := range b.Results {
		if r.Outcome != OutcomeSuccess {
			n++
		}
	}
	return n
}

// Succeeded reports whether every database in the batch succeeded.
// An empty batch did not succeed.
func (b *BatchResult) Succeeded() bool {
	return len(b.Results) > 0 && b.Failed() == 0
}
