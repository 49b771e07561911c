// Package store is the PostgreSQL side of the dialogue gateway: completed
// turns, user profile completeness and per-user greeting pools.
//
// Usage:
//
//	st, err := store.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	_ = st.SaveUtterance(ctx, session.Utterance{…})
//	profile, _ := st.LookupProfile(ctx, userID)
//	greeting, _ := st.RandomGreeting(ctx, userID)
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id                TEXT         PRIMARY KEY,
    nickname          TEXT         NOT NULL DEFAULT '',
    birth_year        INTEGER,
    hometown          TEXT         NOT NULL DEFAULT '',
    main_city         TEXT         NOT NULL DEFAULT '',
    profile_completed BOOLEAN      NOT NULL DEFAULT false,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    role            TEXT         NOT NULL CHECK (role IN ('user', 'assistant')),
    content         TEXT         NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation_id, created_at);`

const ddlGreetingCandidates = `
CREATE TABLE IF NOT EXISTS greeting_candidates (
    id         BIGSERIAL    PRIMARY KEY,
    user_id    TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    context    TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_greeting_candidates_user
    ON greeting_candidates (user_id);`

// Migrate creates the tables the gateway reads and writes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlUsers, ddlMessages, ddlGreetingCandidates} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
