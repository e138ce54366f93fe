package methods

import (
	"context"
	"errors"

	"github.com/creachadair/jrpc2"

	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/query"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

type GetTransactionReceiptsRequest struct {
	Hash string `json:"hash"`
}

type GetTransactionReceiptsResponse struct {
	// Found is false when the store has no receipts for the transaction.
	Found bool `json:"found"`
	// Receipts are in execution order.
	Receipts    []transactions.Receipt `json:"receipts"`
	LatestBlock uint32                 `json:"latestBlock"`
	OldestBlock uint32                 `json:"oldestBlock"`
}

func GetTransactionReceipts(
	ctx context.Context,
	log *log.Entry,
	store query.SimpleTransactionData,
	rangeGetter BlockRangeGetter,
	request GetTransactionReceiptsRequest,
) (GetTransactionReceiptsResponse, error) {
	txHash, err := parseHash(request.Hash)
	if err != nil {
		return GetTransactionReceiptsResponse{}, err
	}
	blockRange, err := getBlockRange(ctx, rangeGetter)
	if err != nil {
		return GetTransactionReceiptsResponse{}, err
	}

	response := GetTransactionReceiptsResponse{
		Receipts:    []transactions.Receipt{},
		LatestBlock: blockRange.LastBlock,
		OldestBlock: blockRange.FirstBlock,
	}
	receipts, err := store.Receipts(ctx, txHash)
	if errors.Is(err, storage.ErrNotFound) {
		return response, nil
	} else if err != nil {
		return response, internalError(log, txHash, "failed to fetch receipts", err)
	}
	response.Found = true
	response.Receipts = receipts
	return response, nil
}

func NewGetTransactionReceiptsHandler(logger *log.Entry, store query.SimpleTransactionData, rangeGetter BlockRangeGetter) jrpc2.Handler {
	return NewHandler(func(ctx context.Context, request GetTransactionReceiptsRequest) (GetTransactionReceiptsResponse, error) {
		return GetTransactionReceipts(ctx, logger, store, rangeGetter, request)
	})
}
