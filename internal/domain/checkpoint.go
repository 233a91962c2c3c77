package domain

import (
	"fmt"
	"time"
)

// SystemCheckpoint is one durable cursor or control flag, keyed by name
// with a JSON value.
type SystemCheckpoint struct {
	Key       string
	ValueJSON []byte
	UpdatedAt time.Time
}

// Checkpoint keys.
const (
	CheckpointLastBlock     = "alchemy:lastBlock"
	CheckpointBufferingFlag = "config:smallTradeBuffering"
	checkpointAPICursorFmt  = "api:lastTradeTime:%d"
	checkpointWSRetryKey    = "alchemy:retry_not_before"
	checkpointAPIRetryFmt   = "dataapi:retry_not_before:%d"
)

// APICursorKey names the Data API cursor checkpoint for one leader.
func APICursorKey(followedUserID int64) string {
	return fmt.Sprintf(checkpointAPICursorFmt, followedUserID)
}

// APIRetryKey names the persisted rate-limit gate for one leader's polling.
func APIRetryKey(followedUserID int64) string {
	return fmt.Sprintf(checkpointAPIRetryFmt, followedUserID)
}

// WSRetryKey names the persisted rate-limit gate for the streaming RPC.
func WSRetryKey() string { return checkpointWSRetryKey }

// APICursor is the stored polling position for one leader.
type APICursor struct {
	LastTradeTime time.Time  `json:"lastTradeTime"`
	ResumeBefore  *time.Time `json:"resumeBefore,omitempty"`
}

// BlockCheckpoint is the stored last-seen block number.
type BlockCheckpoint struct {
	Block uint64 `json:"block"`
}

// BufferingFlag mirrors the runtime small-trade buffering switch.
type BufferingFlag struct {
	Enabled bool `json:"enabled"`
}
