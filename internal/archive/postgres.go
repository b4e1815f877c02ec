// Package archive persists finalized transcription segments to PostgreSQL so
// sessions can be queried after the fact. It is an optional sink: the app
// wires it only when a DSN is configured.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/virelia/sonoflux/internal/transcript"
)

const ddlSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    stream_id  TEXT         NOT NULL,
    speaker_id TEXT         NOT NULL DEFAULT '',
    seq        BIGINT       NOT NULL,
    text       TEXT         NOT NULL DEFAULT '',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    start_ns   BIGINT       NOT NULL,
    end_ns     BIGINT       NOT NULL,
    gap        BOOLEAN      NOT NULL DEFAULT FALSE,
    emitted_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_segments_session_id
    ON segments (session_id);

CREATE INDEX IF NOT EXISTS idx_segments_session_emitted
    ON segments (session_id, emitted_at);
`

// Entry is one archived segment row.
type Entry struct {
	SessionID  string
	StreamID   string
	SpeakerID  string
	Seq        uint64
	Text       string
	Confidence float64
	Start      time.Duration
	End        time.Duration
	Gap        bool
	EmittedAt  time.Time
}

// Store is the PostgreSQL segment archive. It holds a single [pgxpool.Pool];
// all methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the segments table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlSegments); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// WriteSegment appends one finalized segment under sessionID.
func (s *Store) WriteSegment(ctx context.Context, sessionID string, seg transcript.Segment) error {
	const q = `
		INSERT INTO segments
		    (session_id, stream_id, speaker_id, seq, text, confidence, start_ns, end_ns, gap, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		seg.StreamID,
		seg.SpeakerID,
		int64(seg.Seq),
		seg.Text,
		seg.Confidence,
		seg.Start.Nanoseconds(),
		seg.End.Nanoseconds(),
		seg.GapMarker,
		seg.EmittedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: write segment: %w", err)
	}
	return nil
}

// ListRecent returns the session's segments emitted no earlier than
// time.Now()-window, oldest first.
func (s *Store) ListRecent(ctx context.Context, sessionID string, window time.Duration) ([]Entry, error) {
	const q = `
		SELECT session_id, stream_id, speaker_id, seq, text, confidence, start_ns, end_ns, gap, emitted_at
		FROM   segments
		WHERE  session_id = $1
		  AND  emitted_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY emitted_at, seq`

	rows, err := s.pool.Query(ctx, q, sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("archive: list recent: %w", err)
	}
	return collectEntries(rows)
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			seq     int64
			startNS int64
			endNS   int64
		)
		if err := row.Scan(
			&e.SessionID,
			&e.StreamID,
			&e.SpeakerID,
			&seq,
			&e.Text,
			&e.Confidence,
			&startNS,
			&endNS,
			&e.Gap,
			&e.EmittedAt,
		); err != nil {
			return Entry{}, err
		}
		e.Seq = uint64(seq)
		e.Start = time.Duration(startNS)
		e.End = time.Duration(endNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
