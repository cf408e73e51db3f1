package eventstore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/attestia/pkg/errs"
	"github.com/rawblock/attestia/pkg/models"
)

const eventTableDDL = `
CREATE TABLE IF NOT EXISTS events (
	global_position BIGINT PRIMARY KEY,
	stream_id       TEXT   NOT NULL,
	version         BIGINT NOT NULL,
	appended_at     TEXT   NOT NULL,
	previous_hash   TEXT   NOT NULL,
	hash            TEXT   NOT NULL,
	event           JSONB  NOT NULL,
	UNIQUE (stream_id, version)
);
CREATE INDEX IF NOT EXISTS events_stream_idx ON events (stream_id, version);
`

// PostgresStore persists the event log in Postgres via pgx. Appends run in a
// single transaction holding an advisory lock, so versions and positions stay
// contiguous even with multiple connections. Subscriptions are local to the
// process, delivered after commit like the other backends.
type PostgresStore struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
	fan    *fanout
	now    func() time.Time
}

// appendLockKey is the advisory lock serialising appends across connections.
const appendLockKey = 0x41545354 // "ATST"

// OpenPostgresStore connects, pings, and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, err, "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.NetworkError, err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, eventTableDDL); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.NetworkError, err, "init event schema")
	}
	return &PostgresStore{pool: pool, fan: newFanout(), now: time.Now}, nil
}

func (s *PostgresStore) Append(streamID string, events []models.DomainEvent, opts AppendOptions) (AppendResult, error) {
	return s.AppendContext(context.Background(), streamID, events, opts)
}

// AppendContext is Append with caller-controlled cancellation.
func (s *PostgresStore) AppendContext(ctx context.Context, streamID string, events []models.DomainEvent, opts AppendOptions) (AppendResult, error) {
	if err := validateAppend(streamID, events); err != nil {
		return AppendResult{}, err
	}
	if s.isClosed() {
		return AppendResult{}, errs.E(errs.StoreClosed, "event store is closed")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AppendResult{}, errs.Wrap(errs.NetworkError, err, "begin append")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return AppendResult{}, errs.Wrap(errs.NetworkError, err, "acquire append lock")
	}

	var currentVersion, globalPos int64
	var exists bool
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0), COUNT(*) > 0 FROM events WHERE stream_id = $1`, streamID).
		Scan(&currentVersion, &exists)
	if err != nil {
		return AppendResult{}, errs.Wrap(errs.NetworkError, err, "read stream head")
	}
	var prevHash string
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&globalPos)
	if err != nil {
		return AppendResult{}, errs.Wrap(errs.NetworkError, err, "read global head")
	}
	err = tx.QueryRow(ctx, `SELECT COALESCE((SELECT hash FROM events ORDER BY global_position DESC LIMIT 1), $1)`, GenesisHash).
		Scan(&prevHash)
	if err != nil {
		return AppendResult{}, errs.Wrap(errs.NetworkError, err, "read chain head")
	}
	if prevHash == "" {
		prevHash = GenesisHash
	}

	if err := opts.ExpectedVersion.check(currentVersion, exists); err != nil {
		return AppendResult{}, err
	}

	appendedAt := s.now().UTC().Format(time.RFC3339Nano)
	batch, err := buildBatch(streamID, events, currentVersion, globalPos, prevHash, appendedAt)
	if err != nil {
		return AppendResult{}, err
	}

	for _, se := range batch {
		eventJSON, err := json.Marshal(se.Event)
		if err != nil {
			return AppendResult{}, errs.Wrap(errs.InvalidInput, err, "marshal event")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO events (global_position, stream_id, version, appended_at, previous_hash, hash, event)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			se.GlobalPosition, se.StreamID, se.Version, se.AppendedAt, se.PreviousHash, se.Hash, eventJSON)
		if err != nil {
			return AppendResult{}, errs.Wrap(errs.NetworkError, err, "insert event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, errs.Wrap(errs.NetworkError, err, "commit append")
	}
	s.fan.publish(batch)

	return AppendResult{
		StreamID:    streamID,
		FromVersion: currentVersion + 1,
		ToVersion:   currentVersion + int64(len(batch)),
		Count:       len(batch),
	}, nil
}

func (s *PostgresStore) Read(streamID string, opts ReadOptions) ([]models.StoredEvent, error) {
	if err := validateRead(opts); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, errs.E(errs.StoreClosed, "event store is closed")
	}
	from := opts.FromVersion
	if from < 1 {
		from = 1
	}
	order := "ASC"
	if opts.Direction == Backward {
		order = "DESC"
	}
	q := `SELECT global_position, stream_id, version, appended_at, previous_hash, hash, event
		FROM events WHERE stream_id = $1 AND version >= $2 ORDER BY version ` + order
	return s.query(q, opts.MaxCount, streamID, from)
}

func (s *PostgresStore) ReadAll(opts ReadAllOptions) ([]models.StoredEvent, error) {
	if s.isClosed() {
		return nil, errs.E(errs.StoreClosed, "event store is closed")
	}
	from := opts.FromPosition
	if from < 1 {
		from = 1
	}
	order := "ASC"
	if opts.Direction == Backward {
		order = "DESC"
	}
	q := `SELECT global_position, stream_id, version, appended_at, previous_hash, hash, event
		FROM events WHERE global_position >= $1 ORDER BY global_position ` + order
	return s.query(q, opts.MaxCount, from)
}

func (s *PostgresStore) query(q string, maxCount int, args ...interface{}) ([]models.StoredEvent, error) {
	ctx := context.Background()
	if maxCount > 0 {
		q += " LIMIT " + strconv.Itoa(maxCount)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, err, "query events")
	}
	defer rows.Close()

	out := make([]models.StoredEvent, 0)
	for rows.Next() {
		var se models.StoredEvent
		var eventJSON []byte
		if err := rows.Scan(&se.GlobalPosition, &se.StreamID, &se.Version, &se.AppendedAt, &se.PreviousHash, &se.Hash, &eventJSON); err != nil {
			return nil, errs.Wrap(errs.NetworkError, err, "scan event")
		}
		if err := json.Unmarshal(eventJSON, &se.Event); err != nil {
			return nil, errs.Wrap(errs.IntegrityViolation, err, "decode stored event")
		}
		out = append(out, se)
	}
	if rows.Err() != nil {
		return nil, errs.Wrap(errs.NetworkError, rows.Err(), "iterate events")
	}
	return out, nil
}

func (s *PostgresStore) Subscribe(streamID string, h Handler) Subscription {
	return s.fan.subscribe(streamID, h)
}

func (s *PostgresStore) SubscribeAll(h Handler) Subscription {
	return s.fan.subscribe("", h)
}

func (s *PostgresStore) StreamExists(streamID string) bool {
	var exists bool
	err := s.pool.QueryRow(context.Background(), `SELECT COUNT(*) > 0 FROM events WHERE stream_id = $1`, streamID).Scan(&exists)
	return err == nil && exists
}

func (s *PostgresStore) StreamVersion(streamID string) int64 {
	var v int64
	err := s.pool.QueryRow(context.Background(), `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`, streamID).Scan(&v)
	if err != nil {
		return 0
	}
	return v
}

func (s *PostgresStore) GlobalPosition() int64 {
	var v int64
	err := s.pool.QueryRow(context.Background(), `SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&v)
	if err != nil {
		return 0
	}
	return v
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.fan.closeAll()
	s.pool.Close()
	return nil
}

func (s *PostgresStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
var _ Store = (*FileStore)(nil)
