package api

// WorkerInfo is what a coordinator worker publishes about itself, both in its
// eph node and in the scheduler identity.
type WorkerInfo struct {
	WorkerId    string `json:"worker_id"`
	Address     string `json:"address"`
	Host        string `json:"host"`
	NCores      int    `json:"ncores"`
	MemoryLimit *int64 `json:"memory_limit,omitempty"` // nil: worker did not report a figure
	StartTimeMs int64  `json:"start_time_ms,omitempty"`
}

// IdentityResponse 是 GET /api/identity 的返回
type IdentityResponse struct {
	Role             string                 `json:"role"`
	ClusterId        string                 `json:"cluster_id"`
	Address          string                 `json:"address"`
	SchedulerAddress string                 `json:"scheduler_address"`
	Workers          map[string]*WorkerInfo `json:"workers,omitempty"` // keyed by worker address
	Version          string                 `json:"version,omitempty"`
}

type PingResponse struct {
	Version   string `json:"version"`
	SessionId string `json:"session_id"`
	Status    string `json:"status"`
}
