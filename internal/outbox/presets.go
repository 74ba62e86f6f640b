package outbox

import (
	"time"

	"memoryx/internal/config"
)

// Presets apply §4.1's named trigger configurations on top of a base
// config.OutboxConfig (which still supplies Path/MaxRetry/Backoff*).

// Realtime flushes every single enqueued item immediately.
func Realtime(base config.OutboxConfig) config.OutboxConfig {
	base.FlushBatchSize = 1
	return base
}

// Batch flushes every 50 messages or every 5 seconds of inactivity,
// whichever comes first.
func Batch(base config.OutboxConfig) config.OutboxConfig {
	base.FlushBatchSize = 50
	base.FlushIdleInterval = 5 * time.Second
	return base
}

// Conversation favors token-budget batching for long-running chats: flush
// at 30k queued tokens or 5 minutes of idle time.
func Conversation(base config.OutboxConfig) config.OutboxConfig {
	base.FlushTokenBudget = 30_000
	base.FlushIdleInterval = 5 * time.Minute
	return base
}
