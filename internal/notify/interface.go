package notify

import "context"

// Event represents a notification event raised by the orchestrator.
type Event struct {
	Type     string         // "pr_opened" | "recovery_complete"
	Title    string
	Body     string
	URL      string         // optional deep link (e.g. PR URL)
	Severity string         // "critical" | "high" | "medium" | "low" | ""
	RepoKey  string         // "github.com/owner/repo"
	Metadata map[string]any // webhook body fields specific to Type; see webhook.go
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}
