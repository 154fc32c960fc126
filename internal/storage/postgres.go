// internal/storage/postgres.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// postgres provides persistent storage for battles, entries, and votes.
type postgres struct {
	pgRepo
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// pgRepo runs queries against either the pool or an open transaction.
type pgRepo struct {
	q querier
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{pgRepo: pgRepo{q: pool}, db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS battles (
		    id TEXT PRIMARY KEY,
		    title TEXT NOT NULL,
		    description TEXT NOT NULL DEFAULT '',
		    battle_type TEXT NOT NULL,
		    rules JSONB NOT NULL,
		    status TEXT NOT NULL,
		    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
		    end_time TIMESTAMP WITH TIME ZONE NOT NULL,
		    voting_end_time TIMESTAMP WITH TIME ZONE NOT NULL,
		    participant_count BIGINT NOT NULL DEFAULT 0 CHECK (participant_count >= 0),
		    entry_count BIGINT NOT NULL DEFAULT 0 CHECK (entry_count >= 0),
		    vote_count BIGINT NOT NULL DEFAULT 0 CHECK (vote_count >= 0),
		    max_entries_per_user INTEGER NOT NULL DEFAULT 1,
		    featured BOOLEAN NOT NULL DEFAULT FALSE,
		    creator_id TEXT NOT NULL,
		    results_calculated_at TIMESTAMP WITH TIME ZONE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    CHECK (end_time > start_time),
		    CHECK (voting_end_time > end_time)
		);

		-- Sweep lookups by phase boundary
		CREATE INDEX IF NOT EXISTS idx_battles_status_start ON battles(status, start_time);
		CREATE INDEX IF NOT EXISTS idx_battles_status_end ON battles(status, end_time);
		CREATE INDEX IF NOT EXISTS idx_battles_status_voting_end ON battles(status, voting_end_time);
		CREATE INDEX IF NOT EXISTS idx_battles_created_at ON battles(created_at DESC);

		CREATE TABLE IF NOT EXISTS entries (
		    seq BIGSERIAL UNIQUE,                    -- Insertion order
		    id TEXT PRIMARY KEY,
		    battle_id TEXT NOT NULL REFERENCES battles(id),
		    user_id TEXT NOT NULL,
		    content JSONB NOT NULL,
		    moderation_status TEXT NOT NULL,
		    vote_count BIGINT NOT NULL DEFAULT 0 CHECK (vote_count >= 0),
		    view_count BIGINT NOT NULL DEFAULT 0,
		    comment_count BIGINT NOT NULL DEFAULT 0,
		    share_count BIGINT NOT NULL DEFAULT 0,
		    rank INTEGER,
		    tied_with TEXT[] NOT NULL DEFAULT '{}',
		    submitted_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entries_battle_seq ON entries(battle_id, seq);
		CREATE INDEX IF NOT EXISTS idx_entries_battle_user ON entries(battle_id, user_id);

		CREATE TABLE IF NOT EXISTS votes (
		    id TEXT PRIMARY KEY,
		    entry_id TEXT NOT NULL REFERENCES entries(id),
		    battle_id TEXT NOT NULL REFERENCES battles(id),
		    voter_id TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    UNIQUE(entry_id, voter_id)               -- One vote per voter per entry, forever
		);

		-- Velocity window lookups
		CREATE INDEX IF NOT EXISTS idx_votes_battle_voter_created ON votes(battle_id, voter_id, created_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// WithTx runs fn inside a database transaction.
func (p *postgres) WithTx(ctx context.Context, fn func(Repository) error) error {
	return pgx.BeginTxFunc(ctx, p.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(pgRepo{q: tx})
	})
}

// Ping checks the database connection.
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const battleColumns = `id, title, description, battle_type, rules, status, start_time, end_time, voting_end_time,
	participant_count, entry_count, vote_count, max_entries_per_user, featured, creator_id,
	results_calculated_at, created_at, updated_at`

func scanBattle(row scanner) (*model.Battle, error) {
	var b model.Battle
	var rulesJSON []byte
	err := row.Scan(
		&b.ID,
		&b.Title,
		&b.Description,
		&b.Type,
		&rulesJSON,
		&b.Status,
		&b.StartTime,
		&b.EndTime,
		&b.VotingEndTime,
		&b.ParticipantCount,
		&b.EntryCount,
		&b.VoteCount,
		&b.MaxEntriesPerUser,
		&b.Featured,
		&b.CreatorID,
		&b.ResultsCalculatedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &b.Rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal battle rules: %w", err)
	}
	return &b, nil
}

// CreateBattle inserts a new battle
func (r pgRepo) CreateBattle(ctx context.Context, b model.Battle) error {
	rulesJSON, err := json.Marshal(b.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal battle rules: %w", err)
	}

	query := `INSERT INTO battles (` + battleColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = r.q.Exec(ctx, query,
		b.ID,
		b.Title,
		b.Description,
		b.Type,
		rulesJSON,
		b.Status,
		b.StartTime,
		b.EndTime,
		b.VotingEndTime,
		b.ParticipantCount,
		b.EntryCount,
		b.VoteCount,
		b.MaxEntriesPerUser,
		b.Featured,
		b.CreatorID,
		b.ResultsCalculatedAt,
		b.CreatedAt,
		b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create battle: %w", err)
	}
	return nil
}

// GetBattle retrieves a battle by ID
func (r pgRepo) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	query := `SELECT ` + battleColumns + ` FROM battles WHERE id = $1`
	b, err := scanBattle(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get battle: %w", err)
	}
	return b, nil
}

// LockBattle reads a battle and holds FOR NO KEY UPDATE (counter writers) or
// FOR UPDATE (status changes) on its row until the transaction ends.
func (r pgRepo) LockBattle(ctx context.Context, id string, mode LockMode) (*model.Battle, error) {
	query := `SELECT ` + battleColumns + ` FROM battles WHERE id = $1 FOR NO KEY UPDATE`
	if mode == LockExclusive {
		query = `SELECT ` + battleColumns + ` FROM battles WHERE id = $1 FOR UPDATE`
	}
	b, err := scanBattle(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock battle: %w", err)
	}
	return b, nil
}

func (r pgRepo) queryBattles(ctx context.Context, query string, args ...any) ([]model.Battle, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list battles: %w", err)
	}
	defer rows.Close()

	out := make([]model.Battle, 0)
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan battle: %w", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating battles: %w", err)
	}
	return out, nil
}

// ListBattles lists battles with optional status and featured filters, newest first
func (r pgRepo) ListBattles(ctx context.Context, query model.ListBattlesQuery) ([]model.Battle, error) {
	baseQuery := `SELECT ` + battleColumns + ` FROM battles WHERE TRUE`
	args := []any{}
	argIndex := 1

	if query.Status != "" {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, query.Status)
		argIndex++
	}
	if query.Featured != nil {
		baseQuery += fmt.Sprintf(" AND featured = $%d", argIndex)
		args = append(args, *query.Featured)
		argIndex++
	}

	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, normalizeLimit(query.Limit))

	return r.queryBattles(ctx, baseQuery, args...)
}

// UpdateBattleStatus moves a battle from update.From to update.To if it is still in update.From
func (r pgRepo) UpdateBattleStatus(ctx context.Context, id string, update StatusUpdate) error {
	query := `UPDATE battles
	          SET status = $3, updated_at = $4, results_calculated_at = COALESCE(results_calculated_at, $5)
	          WHERE id = $1 AND status = $2`

	tag, err := r.q.Exec(ctx, query, id, update.From, update.To, update.At, update.ResultsCalculatedAt)
	if err != nil {
		return fmt.Errorf("failed to update battle status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM battles WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check battle: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrPreconditionFailed
}

// IncrementBattleCounters adds delta to the battle's counters in a single statement
func (r pgRepo) IncrementBattleCounters(ctx context.Context, id string, delta CounterDelta) error {
	if !validDelta(delta) {
		return errors.New("counter delta must be non-negative")
	}
	query := `UPDATE battles
	          SET participant_count = participant_count + $2,
	              entry_count = entry_count + $3,
	              vote_count = vote_count + $4
	          WHERE id = $1`

	tag, err := r.q.Exec(ctx, query, id, delta.Participants, delta.Entries, delta.Votes)
	if err != nil {
		return fmt.Errorf("failed to increment battle counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueBattles returns the scheduled, open, and voting battles whose boundary has passed
func (r pgRepo) ListDueBattles(ctx context.Context, now time.Time) ([]model.Battle, error) {
	query := `SELECT ` + battleColumns + ` FROM battles
	          WHERE (status = 'scheduled' AND start_time <= $1)
	             OR (status = 'open' AND end_time <= $1)
	             OR (status = 'voting' AND voting_end_time <= $1)
	          ORDER BY CASE status
	                       WHEN 'scheduled' THEN start_time
	                       WHEN 'open' THEN end_time
	                       ELSE voting_end_time
	                   END, id`
	return r.queryBattles(ctx, query, now)
}

const entryColumns = `id, battle_id, user_id, content, moderation_status, vote_count, view_count,
	comment_count, share_count, rank, tied_with, submitted_at`

func scanEntry(row scanner) (*model.Entry, error) {
	var e model.Entry
	var contentJSON []byte
	err := row.Scan(
		&e.ID,
		&e.BattleID,
		&e.UserID,
		&contentJSON,
		&e.Moderation,
		&e.Metrics.VoteCount,
		&e.Metrics.ViewCount,
		&e.Metrics.CommentCount,
		&e.Metrics.ShareCount,
		&e.Rank,
		&e.TiedWith,
		&e.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry content: %w", err)
	}
	if len(e.TiedWith) == 0 {
		e.TiedWith = nil
	}
	return &e, nil
}

// CreateEntry inserts a new entry
func (r pgRepo) CreateEntry(ctx context.Context, e model.Entry) error {
	contentJSON, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal entry content: %w", err)
	}
	tiedWith := e.TiedWith
	if tiedWith == nil {
		tiedWith = []string{}
	}

	query := `INSERT INTO entries (` + entryColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.q.Exec(ctx, query,
		e.ID,
		e.BattleID,
		e.UserID,
		contentJSON,
		e.Moderation,
		e.Metrics.VoteCount,
		e.Metrics.ViewCount,
		e.Metrics.CommentCount,
		e.Metrics.ShareCount,
		e.Rank,
		tiedWith,
		e.SubmittedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrConflict
			case "23503":
				return ErrNotFound
			}
		}
		return fmt.Errorf("failed to create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves an entry by ID
func (r pgRepo) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE id = $1`
	e, err := scanEntry(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

// ListEntries lists a battle's entries in insertion order
func (r pgRepo) ListEntries(ctx context.Context, battleID string) ([]model.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE battle_id = $1 ORDER BY seq`
	rows, err := r.q.Query(ctx, query, battleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	out := make([]model.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return out, nil
}

// UserEntryStats counts a user's active and total entries in a battle
func (r pgRepo) UserEntryStats(ctx context.Context, battleID, userID string) (model.EntryStats, error) {
	query := `SELECT COUNT(*) FILTER (WHERE moderation_status <> 'rejected'), COUNT(*)
	          FROM entries WHERE battle_id = $1 AND user_id = $2`

	var st model.EntryStats
	if err := r.q.QueryRow(ctx, query, battleID, userID).Scan(&st.Active, &st.Total); err != nil {
		return st, fmt.Errorf("failed to count user entries: %w", err)
	}
	return st, nil
}

// SetEntryModeration records a moderation decision
func (r pgRepo) SetEntryModeration(ctx context.Context, id string, status model.ModerationStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE entries SET moderation_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update entry moderation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementEntryVotes adds one to the entry's vote counter in a single statement
func (r pgRepo) IncrementEntryVotes(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `UPDATE entries SET vote_count = vote_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment entry votes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEntryRanks persists rank and tie group for each ranked entry
func (r pgRepo) SetEntryRanks(ctx context.Context, ranks []EntryRank) error {
	if len(ranks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, er := range ranks {
		tiedWith := er.TiedWith
		if tiedWith == nil {
			tiedWith = []string{}
		}
		batch.Queue(`UPDATE entries SET rank = $2, tied_with = $3 WHERE id = $1`, er.EntryID, er.Rank, tiedWith)
	}

	br := r.q.SendBatch(ctx, batch)
	for range ranks {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return fmt.Errorf("failed to set entry rank: %w", err)
		}
		if tag.RowsAffected() == 0 {
			br.Close()
			return ErrNotFound
		}
	}
	return br.Close()
}

// LockVoter takes a transaction-scoped advisory lock on (battle, voter)
// so the velocity check and insert of concurrent votes cannot interleave.
func (r pgRepo) LockVoter(ctx context.Context, battleID, voterID string) error {
	_, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2::text, 0))`, battleID, voterID)
	if err != nil {
		return fmt.Errorf("failed to lock voter: %w", err)
	}
	return nil
}

// HasVote reports whether the voter already voted for the entry
func (r pgRepo) HasVote(ctx context.Context, entryID, voterID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM votes WHERE entry_id = $1 AND voter_id = $2)`,
		entryID, voterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check vote: %w", err)
	}
	return exists, nil
}

// InsertVote inserts a vote; it returns false when the (entry, voter) pair already exists
func (r pgRepo) InsertVote(ctx context.Context, v model.Vote) (bool, error) {
	query := `INSERT INTO votes (id, entry_id, battle_id, voter_id, created_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (entry_id, voter_id) DO NOTHING`

	tag, err := r.q.Exec(ctx, query, v.ID, v.EntryID, v.BattleID, v.VoterID, v.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to insert vote: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountVotesSince counts the voter's votes in a battle cast at or after since
func (r pgRepo) CountVotesSince(ctx context.Context, battleID, voterID string, since time.Time) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM votes WHERE battle_id = $1 AND voter_id = $2 AND created_at >= $3`,
		battleID, voterID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}
	return n, nil
}
