package models

// Account is an external compute account with its own API key and
// concurrency ceiling.
type Account struct {
	Name    string
	APIKey  string
	Ceiling int
}

// AccountLoad is the running-job count for one account at query time.
type AccountLoad struct {
	Name    string `json:"name"`
	Running int    `json:"running"`
	Ceiling int    `json:"ceiling"`
}

// Availability is the ephemeral capacity snapshot. It is computed on demand
// and never persisted.
type Availability struct {
	Available    bool          `json:"available"`
	Account      string        `json:"account,omitempty"`
	RunningCount int           `json:"running_count"`
	Accounts     []AccountLoad `json:"accounts"`
}

// QueueStatus is the read-only view polled by the UI.
type QueueStatus struct {
	Running       int  `json:"running"`
	Queued        int  `json:"queued"`
	MaxConcurrent int  `json:"maxConcurrent"`
	Available     bool `json:"available"`
}
