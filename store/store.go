package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/room4-2/memoir-dialog/session"
)

var (
	_ session.Persister     = (*Store)(nil)
	_ session.ProfileLookup = (*Store)(nil)
	_ session.GreetingPool  = (*Store)(nil)
)

// ErrUserNotFound is returned by LookupProfile for unknown user ids.
var ErrUserNotFound = errors.New("user not found")

// Store holds a single [pgxpool.Pool]. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveUtterance implements [session.Persister].
func (s *Store) SaveUtterance(ctx context.Context, u session.Utterance) error {
	const q = `
		INSERT INTO messages (conversation_id, role, content)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, u.ConversationID, string(u.Role), u.Content); err != nil {
		return fmt.Errorf("store: save utterance: %w", err)
	}
	return nil
}

// LookupProfile implements [session.ProfileLookup]. The city is the user's
// main city, falling back to the hometown.
func (s *Store) LookupProfile(ctx context.Context, userID string) (session.Profile, error) {
	const q = `
		SELECT profile_completed, nickname, COALESCE(NULLIF(main_city, ''), hometown)
		FROM   users
		WHERE  id = $1`

	var p session.Profile
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.Completed, &p.Nickname, &p.City)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Profile{}, fmt.Errorf("store: lookup profile %s: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return session.Profile{}, fmt.Errorf("store: lookup profile: %w", err)
	}
	return p, nil
}

// RandomGreeting implements [session.GreetingPool]. It returns "" when the
// user has no candidates.
func (s *Store) RandomGreeting(ctx context.Context, userID string) (string, error) {
	const q = `
		SELECT content
		FROM   greeting_candidates
		WHERE  user_id = $1
		ORDER  BY random()
		LIMIT  1`

	var content string
	err := s.pool.QueryRow(ctx, q, userID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: random greeting: %w", err)
	}
	return content, nil
}
