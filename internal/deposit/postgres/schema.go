package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deposits (
	id UUID PRIMARY KEY,

	chain_id BIGINT NOT NULL,
	contract BYTEA NOT NULL,
	dst_chain_id BIGINT NOT NULL,
	dst_pool BYTEA NOT NULL,
	bridge_type TEXT NOT NULL,

	asset_symbol TEXT NOT NULL,
	asset_address BYTEA NOT NULL,
	asset_decimals INTEGER NOT NULL,

	amount NUMERIC(78,0) NOT NULL,
	rollup_fee NUMERIC(78,0),
	bridge_fee NUMERIC(78,0),
	executor_fee NUMERIC(78,0),

	shielded_recipient TEXT NOT NULL,
	commitment_hash BYTEA NOT NULL,

	status SMALLINT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',

	asset_approve_tx_hash BYTEA,
	src_tx_hash BYTEA,
	queued_tx_hash BYTEA,
	included_tx_hash BYTEA,

	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT contract_len CHECK (octet_length(contract) = 20),
	CONSTRAINT dst_pool_len CHECK (octet_length(dst_pool) = 20),
	CONSTRAINT asset_address_len CHECK (octet_length(asset_address) = 20),
	CONSTRAINT commitment_hash_len CHECK (octet_length(commitment_hash) = 32),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 8)
);

CREATE INDEX IF NOT EXISTS deposits_commitment_idx ON deposits (dst_chain_id, dst_pool, commitment_hash);
CREATE INDEX IF NOT EXISTS deposits_status_idx ON deposits (status, created_at);
`
