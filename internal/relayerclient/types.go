package relayerclient

// JobStatus values reported by the gas relayer.
const (
	JobPending   = "pending"
	JobSubmitted = "submitted"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// TransactRequest is the body of POST /v1/transact. Calldata already carries
// the detached signature authorizing the relayer fee.
type TransactRequest struct {
	ChainID     uint64 `json:"chain_id"`
	PoolAddress string `json:"pool_address"`
	Calldata    string `json:"calldata"`
	RelayerFee  string `json:"relayer_fee,omitempty"`
}

type TransactResponse struct {
	JobID string `json:"job_id"`
}

// Job is the body of GET /v1/jobs/{id}.
type Job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (j Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}
