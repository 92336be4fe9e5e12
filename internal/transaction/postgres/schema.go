package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,

	chain_id BIGINT NOT NULL,
	pool BYTEA NOT NULL,
	tx_type SMALLINT NOT NULL,
	asset_symbol TEXT NOT NULL DEFAULT '',
	asset_decimals INTEGER NOT NULL DEFAULT 0,

	amount NUMERIC(78,0),
	public_amount NUMERIC(78,0),
	rollup_fee NUMERIC(78,0),
	gas_relayer_fee NUMERIC(78,0),
	gas_relayer_address BYTEA,

	sender_shielded_address TEXT NOT NULL DEFAULT '',
	recipient_shielded_address TEXT NOT NULL DEFAULT '',
	public_recipient BYTEA,

	input_commitments BYTEA[] NOT NULL,
	output_commitments BYTEA[] NOT NULL,
	serial_numbers BYTEA[] NOT NULL,
	root_hash BYTEA,

	status SMALLINT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	tx_hash BYTEA,
	relayer_job_id TEXT NOT NULL DEFAULT '',

	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT pool_len CHECK (octet_length(pool) = 20),
	CONSTRAINT tx_type_range CHECK (tx_type >= 1 AND tx_type <= 2),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 6)
);

CREATE INDEX IF NOT EXISTS transactions_status_idx ON transactions (status, created_at);
`
