// Package store persists finished relay sessions: the session summary and
// transcript in PostgreSQL, and the stereo recording as a WAV file on disk.
//
// Both sinks plug straight into engine callbacks:
//
//	cb.OnTranscriptComplete = pg.SaveTranscript
//	cb.OnRecordingComplete  = files.SaveRecording
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callrelay/internal/engine"
)

// Schema is the SQL DDL for the session tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_sessions (
    id              TEXT         PRIMARY KEY,
    assistant       TEXT         NOT NULL DEFAULT '',
    provider        TEXT         NOT NULL,
    client          TEXT         NOT NULL,
    state           TEXT         NOT NULL,
    reason          TEXT         NOT NULL DEFAULT '',
    error           TEXT         NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ  NOT NULL,
    ended_at        TIMESTAMPTZ  NOT NULL,
    turns           INT          NOT NULL DEFAULT 0,
    interruptions   INT          NOT NULL DEFAULT 0,
    function_calls  INT          NOT NULL DEFAULT 0,
    follow_ups      INT          NOT NULL DEFAULT 0,
    metadata        JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_relay_sessions_started_at
    ON relay_sessions (started_at DESC);

CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL  PRIMARY KEY,
    session_id  TEXT       NOT NULL,
    ord         INT        NOT NULL,
    speaker     TEXT       NOT NULL,
    text        TEXT       NOT NULL,
    offset_ms   BIGINT     NOT NULL DEFAULT 0,
    UNIQUE (session_id, ord)
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('simple', text));
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Open connects a pool to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// PostgresStore writes session summaries and transcripts. All methods are
// safe for concurrent use when db is. Reading them back is left to whatever
// consumes the tables.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store on db. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SaveTranscript stores entries for sessionID in one statement. Saving the
// same session again replaces entries with the same order.
func (s *PostgresStore) SaveTranscript(ctx context.Context, sessionID string, entries []engine.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ords := make([]int32, len(entries))
	speakers := make([]string, len(entries))
	texts := make([]string, len(entries))
	offsets := make([]int64, len(entries))
	for i, e := range entries {
		ords[i] = int32(e.Order)
		speakers[i] = e.Speaker
		texts[i] = e.Text
		offsets[i] = e.At.Milliseconds()
	}

	const q = `
		INSERT INTO transcript_entries (session_id, ord, speaker, text, offset_ms)
		SELECT $1, u.ord, u.speaker, u.text, u.offset_ms
		FROM   unnest($2::int[], $3::text[], $4::text[], $5::bigint[])
		       AS u(ord, speaker, text, offset_ms)
		ON CONFLICT (session_id, ord) DO UPDATE
		SET    speaker = EXCLUDED.speaker, text = EXCLUDED.text, offset_ms = EXCLUDED.offset_ms`

	if _, err := s.db.Exec(ctx, q, sessionID, ords, speakers, texts, offsets); err != nil {
		return fmt.Errorf("store: save transcript: %w", err)
	}
	return nil
}

// SaveSummary upserts the summary of a finished session.
func (s *PostgresStore) SaveSummary(ctx context.Context, assistant string, sum engine.Summary) error {
	meta := sum.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	errText := ""
	if sum.Err != nil {
		errText = sum.Err.Error()
	}

	const q = `
		INSERT INTO relay_sessions (
			id, assistant, provider, client, state, reason, error,
			started_at, ended_at, turns, interruptions, function_calls, follow_ups, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, reason = EXCLUDED.reason, error = EXCLUDED.error,
			ended_at = EXCLUDED.ended_at, turns = EXCLUDED.turns,
			interruptions = EXCLUDED.interruptions, function_calls = EXCLUDED.function_calls,
			follow_ups = EXCLUDED.follow_ups, metadata = EXCLUDED.metadata`

	_, err = s.db.Exec(ctx, q,
		sum.SessionID, assistant, string(sum.Provider), string(sum.Client), sum.State.String(),
		sum.Reason, errText, sum.StartedAt, sum.EndedAt,
		sum.Turns, sum.Interruptions, sum.FunctionCalls, sum.FollowUps, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("store: save summary: %w", err)
	}
	return nil
}
