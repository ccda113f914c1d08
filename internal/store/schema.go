package store

// schemaSQL is the idempotent schema migration for the five entity tables
// of §3. Every statement is safe to re-run on restart per §6.3.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	user_id                  TEXT PRIMARY KEY,
	username                 TEXT UNIQUE NOT NULL,
	email                    TEXT UNIQUE NOT NULL,
	password_hash            TEXT NOT NULL,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_active                BOOLEAN NOT NULL DEFAULT true,
	is_verified              BOOLEAN NOT NULL DEFAULT false,
	token_balance            DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_tokens_purchased   DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_tokens_used        DOUBLE PRECISION NOT NULL DEFAULT 0,
	requests_per_minute      INTEGER NOT NULL DEFAULT 10,
	requests_per_hour        INTEGER NOT NULL DEFAULT 100,
	requests_per_day         INTEGER NOT NULL DEFAULT 1000
);

CREATE TABLE IF NOT EXISTS api_keys (
	id                   BIGSERIAL PRIMARY KEY,
	user_id              TEXT NOT NULL REFERENCES users(user_id),
	hashed_key           TEXT UNIQUE NOT NULL,
	name                 TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at           TIMESTAMPTZ,
	last_used            TIMESTAMPTZ,
	is_active            BOOLEAN NOT NULL DEFAULT true,
	requests_per_minute  INTEGER,
	requests_per_hour    INTEGER,
	requests_per_day     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id);

CREATE TABLE IF NOT EXISTS api_usage (
	id                   BIGSERIAL PRIMARY KEY,
	user_id              TEXT NOT NULL REFERENCES users(user_id),
	api_key_id           BIGINT REFERENCES api_keys(id),
	endpoint             TEXT NOT NULL,
	timestamp            TIMESTAMPTZ NOT NULL DEFAULT now(),
	tokens_consumed      DOUBLE PRECISION NOT NULL DEFAULT 0,
	request_size         INTEGER NOT NULL DEFAULT 0,
	response_size        INTEGER NOT NULL DEFAULT 0,
	processing_time_ms   DOUBLE PRECISION NOT NULL DEFAULT 0,
	success              BOOLEAN NOT NULL,
	error_message        TEXT
);
CREATE INDEX IF NOT EXISTS idx_api_usage_user_id ON api_usage(user_id);
CREATE INDEX IF NOT EXISTS idx_api_usage_timestamp ON api_usage(timestamp);
CREATE INDEX IF NOT EXISTS idx_api_usage_user_success_ts ON api_usage(user_id, success, timestamp);

CREATE TABLE IF NOT EXISTS token_transactions (
	id                BIGSERIAL PRIMARY KEY,
	user_id           TEXT NOT NULL REFERENCES users(user_id),
	transaction_type  TEXT NOT NULL,
	amount            DOUBLE PRECISION NOT NULL,
	previous_balance  DOUBLE PRECISION NOT NULL,
	new_balance       DOUBLE PRECISION NOT NULL,
	timestamp         TIMESTAMPTZ NOT NULL DEFAULT now(),
	description       TEXT,
	reference_id      TEXT
);
CREATE INDEX IF NOT EXISTS idx_token_transactions_user_id ON token_transactions(user_id, id);

-- RateLimitState is an optional hot-path cache (§3). The canonical quota
-- count always derives from api_usage; this table is never required for
-- correctness and nothing here depends on it being populated.
CREATE TABLE IF NOT EXISTS rate_limit_state (
	user_id       TEXT NOT NULL,
	api_key_id    BIGINT,
	window_name   TEXT NOT NULL,
	window_start  TIMESTAMPTZ NOT NULL,
	count         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, window_name)
);
`
