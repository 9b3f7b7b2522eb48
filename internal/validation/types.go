package validation

import "time"

// Job is a unit of work handed to a miner: a node header template and the
// target a share must beat.
type Job struct {
	ID        string
	CreatedAt time.Time
	// HeaderHex is the node template. Its last 8 bytes are reserved and
	// replaced by the session extra-nonce, extraNonce2 and nonce.
	HeaderHex string
	// Target is a 64-digit zero-padded lowercase hex string.
	Target string
	Bits   uint32
}

// Age reports how long ago the job was created
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// Share is one submission outcome
type Share struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
	User      string    `json:"user"`
	JobID     string    `json:"jobId"`
}

// Block is a share that met the network target and was handed to the node
type Block struct {
	Hash     string    `json:"hash"`
	Header   string    `json:"header"`
	User     string    `json:"user"`
	JobID    string    `json:"jobId"`
	Accepted bool      `json:"accepted"`
	FoundAt  time.Time `json:"foundAt"`
}
