package database

import (
	"context"
	"fmt"
)

// schema creates the tables the call service reads and writes. The users
// table is owned by the account service; it is created here only so a fresh
// development database works.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id      UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	username     STRING NOT NULL UNIQUE,
	display_name STRING NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS calls (
	id          UUID PRIMARY KEY,
	caller_id   UUID NOT NULL,
	receiver_id UUID NOT NULL,
	call_type   STRING NOT NULL CHECK (call_type IN ('audio', 'video')),
	status      STRING NOT NULL CHECK (status IN ('initiated', 'ongoing', 'ended', 'missed')),
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ,
	room_id     STRING NOT NULL,
	is_group    BOOL NOT NULL DEFAULT false,
	INDEX calls_room_idx (room_id),
	INDEX calls_caller_idx (caller_id, started_at DESC),
	INDEX calls_receiver_idx (receiver_id, started_at DESC)
);

CREATE TABLE IF NOT EXISTS notifications (
	notification_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id         UUID NOT NULL,
	type            STRING NOT NULL,
	title           STRING NOT NULL,
	body            STRING NOT NULL,
	call_id         UUID,
	data            JSONB,
	is_read         BOOL NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	read_at         TIMESTAMPTZ,
	INDEX notifications_user_idx (user_id, created_at DESC),
	INDEX notifications_call_idx (user_id, type, call_id)
);
`

// Migrate applies the schema. Every statement is idempotent.
func (db *CockroachDB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
