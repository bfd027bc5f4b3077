package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Render formats a result as the text stored in golden files: the step
// trace, the change counts and the final dump.
func Render(name string, result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	b.WriteString("steps:\n")
	for _, ev := range result.Trace {
		b.WriteString("  " + ev.String() + "\n")
	}
	fmt.Fprintf(&b, "changes: added=%d removed=%d replaced=%d\n",
		result.Changes.Added, result.Changes.Removed, result.Changes.Replaced)
	fmt.Fprintf(&b, "broken: %t\n", result.Broken)
	b.WriteString("dump:\n")
	b.WriteString(result.Dump)
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares the rendered result
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()
	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Render(name, result))
}
