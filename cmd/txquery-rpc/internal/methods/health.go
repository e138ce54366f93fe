package methods

import (
	"context"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
)

type HealthCheckResult struct {
	Status               string `json:"status"`
	LatestBlock          uint32 `json:"latestBlock"`
	OldestBlock          uint32 `json:"oldestBlock"`
	BlockRetentionWindow uint32 `json:"blockRetentionWindow"`
}

// NewHealthCheck returns a health check json rpc handler
func NewHealthCheck(retentionWindow uint32, rangeGetter BlockRangeGetter) jrpc2.Handler {
	return handler.New(func(ctx context.Context) (HealthCheckResult, error) {
		return getHealth(ctx, retentionWindow, rangeGetter)
	})
}

func getHealth(ctx context.Context, retentionWindow uint32, rangeGetter BlockRangeGetter) (HealthCheckResult, error) {
	blockRange, err := getBlockRange(ctx, rangeGetter)
	if err != nil {
		return HealthCheckResult{}, err
	}
	if blockRange.LastBlock < 1 {
		return HealthCheckResult{}, &jrpc2.Error{
			Code:    jrpc2.InternalError,
			Message: "data stores are not initialized",
		}
	}
	return HealthCheckResult{
		Status:               "healthy",
		LatestBlock:          blockRange.LastBlock,
		OldestBlock:          blockRange.FirstBlock,
		BlockRetentionWindow: retentionWindow,
	}, nil
}
