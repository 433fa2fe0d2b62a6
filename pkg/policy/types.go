package policy

import (
	"time"
)

// Severity represents how a policy finding affects the merge decision.
type Severity string

const (
	// SeverityWarning findings are reported but never block a merge.
	SeverityWarning Severity = "warning"

	// SeverityError findings deny the merge.
	SeverityError Severity = "error"
)

// Policy is a merge policy written in Rego.
//
// A policy package may define any of the following rules:
//
//	deny       set of strings; any member denies the merge
//	warn       set of strings; reported as reasons only
//	auto_merge boolean; true allows merging without a human
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Finding is a single message produced by a policy.
type Finding struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Evaluation is the per-policy result of one decision.
type Evaluation struct {
	Policy string `json:"policy"`

	// AutoMerge is nil when the policy does not define auto_merge.
	AutoMerge *bool `json:"auto_merge,omitempty"`

	Findings []Finding `json:"findings,omitempty"`
}

// Info describes a compiled policy for listing.
type Info struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Package     string    `json:"package"`
	Source      string    `json:"source,omitempty"`
	Enabled     bool      `json:"enabled"`
	CompiledAt  time.Time `json:"compiled_at"`
}
