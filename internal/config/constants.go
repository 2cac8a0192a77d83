// Path: internal/config/constants.go
package config

import "time"

const (
	// Listener and pool defaults
	DefaultHTTPSocket  = "127.0.0.1:8001"
	DefaultStatsSocket = "127.0.0.1:9191"
	DefaultProcesses   = 4
	DefaultCheaperStep = 1

	// Busyness scaling defaults
	DefaultBusynessMax        = 50
	DefaultBusynessMin        = 25
	DefaultBusynessMultiplier = 10
	DefaultBacklogAlert       = 16

	// Lifetime defaults
	DefaultWorkerReloadMercy = 60

	// Gateway defaults
	DefaultBufferSize  = 8192
	DefaultMaxBodySize = 52428800

	DefaultDataDir = "./data"
)

const (
	// Control API server defaults
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)
