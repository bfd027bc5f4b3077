package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/strata/internal/storage"
)

// RecordDiagnostic stores a failed consistency check report and returns its
// row id. A zero d.At is stamped with the store clock.
func (s *Store) RecordDiagnostic(ctx context.Context, d storage.Diagnostic) (int64, error) {
	at := d.At
	if at.IsZero() {
		at = s.now()
	}
	violations := d.Violations
	if violations == nil {
		violations = []string{}
	}
	encoded, err := json.Marshal(violations)
	if err != nil {
		return 0, fmt.Errorf("record diagnostic: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO diagnostics (operation, violations, dump, recorded_at)
		VALUES (?, ?, ?, ?)
	`, d.Operation, string(encoded), d.Dump, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("record diagnostic: %w", err)
	}
	return res.LastInsertId()
}

// Diagnostics returns the recorded reports, oldest first.
func (s *Store) Diagnostics(ctx context.Context) ([]storage.Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, violations, dump, recorded_at
		FROM diagnostics
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	defer rows.Close()

	var out []storage.Diagnostic
	for rows.Next() {
		var d storage.Diagnostic
		var violations, at string
		if err := rows.Scan(&d.Operation, &violations, &d.Dump, &at); err != nil {
			return nil, fmt.Errorf("list diagnostics: %w", err)
		}
		if err := json.Unmarshal([]byte(violations), &d.Violations); err != nil {
			return nil, fmt.Errorf("list diagnostics: violations: %w", err)
		}
		if d.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("list diagnostics: recorded_at: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	return out, nil
}

// Sink adapts the store to storage.DiagnosticSink. Reports arrive without
// a context, possibly from the sampled checker's goroutine, so each is
// written under a background context and a failed write is only logged.
func (s *Store) Sink() storage.DiagnosticSink {
	return diagnosticSink{s}
}

type diagnosticSink struct {
	s *Store
}

func (d diagnosticSink) Report(diag storage.Diagnostic) {
	if _, err := d.s.RecordDiagnostic(context.Background(), diag); err != nil {
		d.s.log.Error("failed to record diagnostic", "operation", diag.Operation, "error", err)
	}
}
