package harness

import (
	"fmt"
	"strings"
)

// TraceEvent records one executed step. Nested steps of replace_by_source
// and apply_changes carry Depth 1 or more.
type TraceEvent struct {
	Step   int    `json:"step"`
	Depth  int    `json:"depth,omitempty"`
	Op     string `json:"op"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (e TraceEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d] %s", strings.Repeat("  ", e.Depth), e.Step, e.Op)
	if e.Detail != "" {
		b.WriteString(" " + e.Detail)
	}
	if e.Error != "" {
		b.WriteString(" -> " + e.Error)
	}
	return b.String()
}

// ChangeCounts tallies CollectChanges of the final builder.
type ChangeCounts struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Replaced int `json:"replaced"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Dump is storage.Dump of the final builder.
	Dump string `json:"dump"`

	// Changes counts the final builder's changes against its base.
	Changes ChangeCounts `json:"changes"`

	// Broken reports whether a consistency check failed during the run.
	Broken bool `json:"broken"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AssertionError is a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %s failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
}
