package state

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"dwarfendepths/movecore/internal/geom"
	"dwarfendepths/movecore/internal/physics"
)

// SQLiteSink persists the entity rows produced by each tick so a restarted
// server can resume from the last completed tick.
type SQLiteSink struct {
	conn *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps WAL mode from reporting SQLITE_BUSY between ticks.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	sink := &SQLiteSink{conn: conn}
	if err := sink.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return sink, nil
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	return s.conn.Close()
}

func (s *SQLiteSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY,
		faction INTEGER NOT NULL DEFAULT 0,
		speed REAL NOT NULL DEFAULT 0,
		pos_x REAL NOT NULL DEFAULT 0,
		pos_y REAL NOT NULL DEFAULT 0,
		pos_z REAL NOT NULL DEFAULT 0,
		dir_x REAL NOT NULL DEFAULT 0,
		dir_z REAL NOT NULL DEFAULT 0,
		yaw REAL NOT NULL DEFAULT 0,
		sequence_id INTEGER NOT NULL DEFAULT 0,
		vertical_velocity REAL NOT NULL DEFAULT 0,
		grounded INTEGER NOT NULL DEFAULT 0,
		target_entity_id INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS ticks (
		sequence_id INTEGER PRIMARY KEY,
		dt REAL NOT NULL,
		entity_count INTEGER NOT NULL,
		input_count INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// RecordTick writes the post-tick rows in one transaction. Entities present
// before the tick but missing after it are deleted.
func (s *SQLiteSink) RecordTick(ctx context.Context, rec TickRecord) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick %d: %w", rec.Sequence, err)
	}
	defer tx.Rollback()

	//1.- Upsert every entity advanced by the tick.
	for _, e := range rec.After {
		if err := upsertEntity(ctx, tx, e); err != nil {
			return err
		}
	}

	//2.- Drop rows whose entity vanished during the tick.
	after := make(map[uint32]struct{}, len(rec.After))
	for _, e := range rec.After {
		after[e.ID] = struct{}{}
	}
	for _, e := range rec.Before {
		if _, ok := after[e.ID]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", e.ID); err != nil {
			return fmt.Errorf("delete entity %d: %w", e.ID, err)
		}
	}

	//3.- Log the tick itself.
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO ticks (sequence_id, dt, entity_count, input_count) VALUES (?, ?, ?, ?)",
		int64(rec.Sequence), rec.DT, len(rec.After), len(rec.Inputs)); err != nil {
		return fmt.Errorf("insert tick %d: %w", rec.Sequence, err)
	}
	return tx.Commit()
}

// RecordEvent mirrors spawns and despawns that happen between ticks.
func (s *SQLiteSink) RecordEvent(ctx context.Context, ev LifecycleEvent) error {
	switch ev.Kind {
	case EventDespawn:
		return s.DeleteEntity(ctx, ev.Entity.ID)
	case EventSpawn:
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin spawn %d: %w", ev.Entity.ID, err)
		}
		defer tx.Rollback()
		if err := upsertEntity(ctx, tx, ev.Entity); err != nil {
			return err
		}
		return tx.Commit()
	default:
		return fmt.Errorf("unknown lifecycle event %q", ev.Kind)
	}
}

// DeleteEntity removes a despawned entity row.
func (s *SQLiteSink) DeleteEntity(ctx context.Context, id uint32) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete entity %d: %w", id, err)
	}
	return nil
}

// LoadEntities returns the persisted rows ordered by identifier.
func (s *SQLiteSink) LoadEntities(ctx context.Context) ([]physics.Entity, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, faction, speed, pos_x, pos_y, pos_z, dir_x, dir_z, yaw,
			sequence_id, vertical_velocity, grounded, target_entity_id
		FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []physics.Entity
	for rows.Next() {
		var (
			e          physics.Entity
			faction    int
			seq        int64
			grounded   int
			px, py, pz float64
			dx, dz     float64
		)
		if err := rows.Scan(&e.ID, &faction, &e.Speed, &px, &py, &pz, &dx, &dz, &e.Yaw,
			&seq, &e.VerticalVelocity, &grounded, &e.TargetEntityID); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Faction = physics.Faction(faction)
		e.Position = geom.Vec3{px, py, pz}
		e.Direction = geom.Vec2{dx, dz}
		e.SequenceID = uint64(seq)
		e.Grounded = grounded != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSequence returns the newest recorded tick sequence, zero when empty.
func (s *SQLiteSink) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, "SELECT MAX(sequence_id) FROM ticks").Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last tick: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, e physics.Entity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, faction, speed, pos_x, pos_y, pos_z, dir_x, dir_z, yaw,
			sequence_id, vertical_velocity, grounded, target_entity_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			faction = excluded.faction, speed = excluded.speed,
			pos_x = excluded.pos_x, pos_y = excluded.pos_y, pos_z = excluded.pos_z,
			dir_x = excluded.dir_x, dir_z = excluded.dir_z, yaw = excluded.yaw,
			sequence_id = excluded.sequence_id, vertical_velocity = excluded.vertical_velocity,
			grounded = excluded.grounded, target_entity_id = excluded.target_entity_id`,
		e.ID, int(e.Faction), e.Speed, e.Position[0], e.Position[1], e.Position[2],
		e.Direction[0], e.Direction[1], e.Yaw, int64(e.SequenceID), e.VerticalVelocity,
		boolToInt(e.Grounded), e.TargetEntityID)
	if err != nil {
		return fmt.Errorf("upsert entity %d: %w", e.ID, err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
