package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS commitments (
	chain_id BIGINT NOT NULL,
	contract BYTEA NOT NULL,
	commitment_hash BYTEA NOT NULL,

	status SMALLINT NOT NULL,
	leaf_index BIGINT,

	encrypted_note BYTEA,
	amount NUMERIC(78,0),
	rollup_fee NUMERIC(78,0),

	serial_number BYTEA,
	shielded_address TEXT NOT NULL DEFAULT '',

	creation_tx_hash BYTEA,
	relay_tx_hash BYTEA,
	rollup_tx_hash BYTEA,
	spending_tx_hash BYTEA,

	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (chain_id, contract, commitment_hash),

	CONSTRAINT contract_len CHECK (octet_length(contract) = 20),
	CONSTRAINT commitment_hash_len CHECK (octet_length(commitment_hash) = 32),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 6),
	CONSTRAINT leaf_index_nonneg CHECK (leaf_index IS NULL OR leaf_index >= 0),
	CONSTRAINT serial_number_len CHECK (serial_number IS NULL OR octet_length(serial_number) = 32)
);

CREATE INDEX IF NOT EXISTS commitments_leaf_idx ON commitments (chain_id, contract, leaf_index);
CREATE INDEX IF NOT EXISTS commitments_serial_idx ON commitments (chain_id, contract, serial_number);
CREATE INDEX IF NOT EXISTS commitments_owner_idx ON commitments (shielded_address, status);

CREATE TABLE IF NOT EXISTS nullifiers (
	chain_id BIGINT NOT NULL,
	contract BYTEA NOT NULL,
	serial_number BYTEA NOT NULL,
	tx_hash BYTEA,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (chain_id, contract, serial_number),

	CONSTRAINT nullifier_contract_len CHECK (octet_length(contract) = 20),
	CONSTRAINT nullifier_serial_len CHECK (octet_length(serial_number) = 32)
);
`
