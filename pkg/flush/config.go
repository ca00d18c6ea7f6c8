package flush

import "time"

// Config holds FLUSH's tunables (spec.md §4.3, §6).
type Config struct {
	// BlockTimeout bounds how long the upward BLOCK event waits for the
	// application to ack with BLOCK_OK before FLUSH_OK is sent anyway.
	BlockTimeout time.Duration

	// FlushTimeout bounds the downward message gate (spec.md §4.3's
	// "deliberate livelock avoidance") and the flush caller's wait for
	// FLUSH_COMPLETED.
	FlushTimeout time.Duration
}

// DefaultConfig returns FLUSH's default tunables.
func DefaultConfig() Config {
	return Config{
		BlockTimeout: 2 * time.Second,
		FlushTimeout: 8 * time.Second,
	}
}
