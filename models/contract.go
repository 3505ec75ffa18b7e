package models

import "time"

// ContractSnapshot is a promoted contract baseline. At most one row exists
// per VersionHash; the row with the latest CapturedAt is the current baseline.
type ContractSnapshot struct {
	ID          int64     `json:"id"           db:"id"`
	VersionHash string    `json:"version_hash" db:"version_hash"` // 16 hex chars, sha256(content)
	Content     string    `json:"content"      db:"content"`
	SourceRef   string    `json:"source_ref"   db:"source_ref"` // optional source commit id
	CapturedAt  time.Time `json:"captured_at"  db:"captured_at"`
}

// ContractChange is the persisted outcome of one classification run.
// Immutable after creation.
type ContractChange struct {
	ID          int64     `json:"id"           db:"id"`
	BaseRef     string    `json:"base_ref"     db:"base_ref"` // prior snapshot hash, "" on first run
	HeadRef     string    `json:"head_ref"     db:"head_ref"`
	IsBreaking  bool      `json:"is_breaking"  db:"is_breaking"`
	Severity    string    `json:"severity"      db:"severity"` // critical|high|medium|low
	Summary     string    `json:"summary"       db:"summary"`
	Routes      string    `json:"routes"        db:"routes"`      // newline-joined "METHOD path", sorted+deduped
	FieldDetail string    `json:"field_detail"  db:"field_detail"` // newline-joined field-level detail lines
	CreatedAt   time.Time `json:"created_at"    db:"created_at"`
}

// ImpactRecord is one row per (change, caller_service, method, route_template).
// Created during impact resolution, never mutated.
type ImpactRecord struct {
	ID            int64  `json:"id"              db:"id"`
	ChangeID      int64  `json:"change_id"       db:"change_id"`
	CallerService string `json:"caller_service"  db:"caller_service"`
	Method        string `json:"method"          db:"method"`
	RouteTemplate string `json:"route_template"  db:"route_template"`
	CallsLast7d   int64  `json:"calls_last_7d"   db:"calls_last_7d"`
	Confidence    string `json:"confidence"      db:"confidence"` // high|low
	DeclaredOnly  bool   `json:"declared_only"   db:"declared_only"`
}

// RemediationJob is persisted per (change, repo). The dispatcher creates it;
// the status reconciler mutates it thereafter.
type RemediationJob struct {
	ID           int64      `json:"id"             db:"id"`
	JobID        string     `json:"job_id"         db:"job_id"` // stable external-facing identifier
	ChangeID     int64      `json:"change_id"      db:"change_id"`
	TargetRepo   string     `json:"target_repo"    db:"target_repo"`
	TargetService string    `json:"target_service" db:"target_service"`
	Status       string     `json:"status"         db:"status"`
	AgentRunID   string     `json:"agent_run_id"   db:"agent_run_id"`
	PRURL        string     `json:"pr_url"         db:"pr_url"`
	BundleHash   string     `json:"bundle_hash"    db:"bundle_hash"`
	ErrorSummary string     `json:"error_summary"  db:"error_summary"`
	CIUnknownCount int      `json:"ci_unknown_count" db:"ci_unknown_count"`
	IsDryRun     bool       `json:"is_dry_run"     db:"is_dry_run"`
	CreatedAt    time.Time  `json:"created_at"     db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"     db:"updated_at"`
}

// Job status values. The reconciler's state machine (internal/remediation)
// maps each poll to one of these; it does not check the new status against
// the job's previous one, so transitions are not forced to be monotonic.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobPROpened  = "pr_opened"
	JobCIFailed  = "ci_failed"
	JobNeedsHuman = "needs_human"
	JobGreen     = "green"
)

// TerminalJobStatuses are the statuses at which a wave wait treats a job as
// finished. The reconciler still polls a terminal job that holds a PR URL.
var TerminalJobStatuses = map[string]bool{
	JobCIFailed:   true,
	JobNeedsHuman: true,
	JobGreen:      true,
}

// AuditLog is an append-only record of a job's status transitions.
type AuditLog struct {
	ID        int64     `json:"id"         db:"id"`
	JobID     int64     `json:"job_id"     db:"job_id"`
	OldStatus string    `json:"old_status" db:"old_status"`
	NewStatus string    `json:"new_status" db:"new_status"`
	ChangedAt time.Time `json:"changed_at" db:"changed_at"`
	Detail    string    `json:"detail"     db:"detail"`
}

// UsageRequest is a read-only input to the impact resolver. Ingestion is
// external to this engine; the engine only queries this table.
type UsageRequest struct {
	ID            int64     `json:"id"             db:"id"`
	TS            time.Time `json:"ts"             db:"ts"`
	CallerService string    `json:"caller_service" db:"caller_service"`
	Method        string    `json:"method"         db:"method"`
	RouteTemplate string    `json:"route_template" db:"route_template"`
	StatusCode    int       `json:"status_code"    db:"status_code"`
	DurationMs    int       `json:"duration_ms"    db:"duration_ms"`
}
