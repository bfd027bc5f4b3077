package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/value"
)

// ErrNoSnapshot is returned when the requested snapshot is not stored.
var ErrNoSnapshot = errors.New("persist: no such snapshot")

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	Version     int64
	Label       string
	Digest      string
	EntityCount int
	SavedAt     time.Time
}

// Save stores snap under a new version and returns the version. The
// recorded digest hashes the Encode document, so saving equal content twice
// yields equal digests.
func (s *Store) Save(ctx context.Context, label string, snap storage.Storage) (int64, error) {
	doc, err := capture(snap)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	encoded, err := marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	info := SnapshotInfo{
		Label:       label,
		Digest:      value.Digest(value.DomainSnapshot, encoded),
		EntityCount: len(doc.Entities),
		SavedAt:     s.now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (label, digest, entity_count, saved_at)
		VALUES (?, ?, ?, ?)
	`, info.Label, info.Digest, info.EntityCount, info.SavedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	if info.Version, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	entityStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entities (snapshot, type, slot, source_kind, source_url, placeholder, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	defer entityStmt.Close()
	for _, e := range doc.Entities {
		if _, err := entityStmt.ExecContext(ctx, info.Version, e.Type, e.Slot,
			e.Source.Kind, e.Source.URL, e.Source.Placeholder, string(e.Fields)); err != nil {
			return 0, fmt.Errorf("save snapshot: entity %s %d: %w", e.Type, e.Slot, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (snapshot, connection, parent_type, parent_slot, child_type, child_slot, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	defer edgeStmt.Close()
	for _, e := range doc.Edges {
		for i, c := range e.Children {
			if _, err := edgeStmt.ExecContext(ctx, info.Version, e.Connection,
				e.Parent.Type, e.Parent.Slot, c.Type, c.Slot, i); err != nil {
				return 0, fmt.Errorf("save snapshot: edge %s: %w", e.Connection, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save snapshot: commit: %w", err)
	}
	s.log.Debug("snapshot saved", "version", info.Version, "label", label, "entities", info.EntityCount)
	return info.Version, nil
}

// Versions lists stored snapshots, oldest first.
func (s *Store) Versions(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, label, digest, entity_count, saved_at
		FROM snapshots
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (SnapshotInfo, error) {
	var info SnapshotInfo
	var saved string
	if err := row.Scan(&info.Version, &info.Label, &info.Digest, &info.EntityCount, &saved); err != nil {
		return SnapshotInfo{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, saved)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("saved_at: %w", err)
	}
	info.SavedAt = t
	return info, nil
}

// Latest loads the most recent snapshot.
func (s *Store) Latest(ctx context.Context, reg *schema.Registry) (*storage.Snapshot, SnapshotInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, label, digest, entity_count, saved_at
		FROM snapshots
		ORDER BY version DESC
		LIMIT 1
	`)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, SnapshotInfo{}, ErrNoSnapshot
	}
	if err != nil {
		return nil, SnapshotInfo{}, fmt.Errorf("latest snapshot: %w", err)
	}
	snap, err := s.Load(ctx, reg, info.Version)
	if err != nil {
		return nil, SnapshotInfo{}, err
	}
	return snap, info, nil
}

// Load reads the snapshot stored under version.
func (s *Store) Load(ctx context.Context, reg *schema.Registry, version int64) (*storage.Snapshot, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE version = ?`, version).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load snapshot %d: %w", version, ErrNoSnapshot)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", version, err)
	}

	entities, err := s.readEntities(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", version, err)
	}
	edges, err := s.readEdges(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", version, err)
	}
	snap, err := load(reg, entities, edges)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", version, err)
	}
	return snap, nil
}

func (s *Store) readEntities(ctx context.Context, version int64) ([]entityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, slot, source_kind, source_url, placeholder, fields
		FROM entities
		WHERE snapshot = ?
		ORDER BY type ASC, slot ASC
	`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entityRecord
	for rows.Next() {
		var rec entityRecord
		var fields string
		if err := rows.Scan(&rec.Type, &rec.Slot, &rec.Source.Kind, &rec.Source.URL,
			&rec.Source.Placeholder, &fields); err != nil {
			return nil, err
		}
		rec.Fields = []byte(fields)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) readEdges(ctx context.Context, version int64) ([]edgeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection, parent_type, parent_slot, child_type, child_slot
		FROM edges
		WHERE snapshot = ?
		ORDER BY connection ASC, parent_type ASC, parent_slot ASC, position ASC
	`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []edgeRecord
	for rows.Next() {
		var conn string
		var parent, child entityRef
		if err := rows.Scan(&conn, &parent.Type, &parent.Slot, &child.Type, &child.Slot); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].Connection == conn && out[n-1].Parent == parent {
			out[n-1].Children = append(out[n-1].Children, child)
			continue
		}
		out = append(out, edgeRecord{Connection: conn, Parent: parent, Children: []entityRef{child}})
	}
	return out, rows.Err()
}
