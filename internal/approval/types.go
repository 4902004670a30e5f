// Package approval implements the risk-gating engine that arbitrates
// execution permission for actions proposed by agents and sessions.
// Classification is deterministic; pending decisions resolve by explicit
// approve/reject or by timeout, which is fail-closed.
package approval

import (
	"time"
)

// RiskLevel classifies how dangerous a proposed action is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// rank maps risk levels onto a total order for threshold comparisons.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		// Unknown levels are treated as critical so a typo in config
		// never silently opens the gate.
		return 3
	}
}

// AtLeast reports whether r is at or above other in the risk ordering.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

// Category groups approval requests for display and per-category policy.
type Category string

const (
	CategoryPlan    Category = "plan"
	CategoryFile    Category = "file"
	CategoryCommand Category = "command"
	CategoryPackage Category = "package"
	CategoryGeneral Category = "general"
)

// Capability is a fixed permission granted to a sandbox at creation time.
// The set chosen at creation defines the security boundary for that
// sandbox's lifetime ("trust on create").
type Capability string

const (
	CapabilityRead    Capability = "read"
	CapabilityWrite   Capability = "write"
	CapabilityExecute Capability = "execute"
	CapabilityNetwork Capability = "network"
)

// ActionKind identifies what an action descriptor proposes to do.
type ActionKind string

const (
	ActionCommand        ActionKind = "command_execution"
	ActionFileRead       ActionKind = "file_read"
	ActionFileWrite      ActionKind = "file_write"
	ActionPackageInstall ActionKind = "package_install"
	ActionPlan           ActionKind = "plan"
	ActionGeneral        ActionKind = "general"
)

// ActionDescriptor describes one proposed action for classification.
type ActionDescriptor struct {
	// Kind is the action category used by the classification rules.
	Kind ActionKind

	// Tool is the name of the tool proposing the action, looked up in
	// the per-tool policy map.
	Tool string

	// Summary is a one-line human-readable description.
	Summary string

	// Command is the shell command line, for command actions.
	Command string

	// Path is the affected filesystem path, for file actions.
	Path string

	// Domains lists network domains the action will contact.
	Domains []string

	// ReadOnly marks actions that cannot mutate any state.
	ReadOnly bool

	// SandboxCapabilities carries the fixed capability set of the
	// sandbox the action will run in, if any. A capability set that
	// fully covers the action lets a timed-out approval resolve
	// approved instead of fail-closed.
	SandboxCapabilities []Capability
}

// ToolPolicy is the configured stance toward one tool's actions.
type ToolPolicy string

const (
	PolicyAutoApprove     ToolPolicy = "auto_approve"
	PolicyRequireApproval ToolPolicy = "require_approval"
	PolicyDeny            ToolPolicy = "deny"
)

// Request is one pending risk decision. It is created when a gated
// action is proposed and never reused after resolution.
type Request struct {
	ID          string
	Title       string
	Description string
	Risk        RiskLevel
	Actions     []string
	Category    Category
	Timeout     time.Duration
	CreatedAt   time.Time

	descriptor ActionDescriptor
	decision   chan Decision
	timer      *time.Timer
	resolved   bool
}

// Decision is the terminal outcome of a Request.
type Decision struct {
	Approved bool
	// Reason is one of "approved", "rejected", "timeout",
	// "capability_scoped".
	Reason string
}
