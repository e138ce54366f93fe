package methods

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/creachadair/jrpc2"

	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/query"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
)

type GetTransactionStatusRequest struct {
	Hash string `json:"hash"`
}

// GetTransactionStatusResponse carries the lifecycle status of a transaction
// without loading the transaction itself.
type GetTransactionStatusResponse struct {
	Status      string `json:"status"`
	BlockHeight uint32 `json:"blockHeight,omitempty"`
	CreatedAt   int64  `json:"createdAt,string,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ResultXdr   string `json:"resultXdr,omitempty"`
}

func GetTransactionStatus(
	ctx context.Context,
	log *log.Entry,
	store query.TransactionQueryData,
	request GetTransactionStatusRequest,
) (GetTransactionStatusResponse, error) {
	txHash, err := parseHash(request.Hash)
	if err != nil {
		return GetTransactionStatusResponse{}, err
	}

	status, err := store.Status(ctx, txHash)
	if errors.Is(err, storage.ErrNotFound) {
		return GetTransactionStatusResponse{Status: TransactionStatusNotFound}, nil
	} else if err != nil {
		return GetTransactionStatusResponse{}, internalError(log, txHash, "failed to fetch transaction status", err)
	}

	response := GetTransactionStatusResponse{
		Status:      string(status.Kind),
		BlockHeight: status.BlockHeight,
		Reason:      status.Reason,
	}
	if !status.Time.IsZero() {
		response.CreatedAt = status.Time.Unix()
	}
	if len(status.Result) > 0 {
		response.ResultXdr = base64.StdEncoding.EncodeToString(status.Result)
	}
	return response, nil
}

func NewGetTransactionStatusHandler(logger *log.Entry, store query.TransactionQueryData) jrpc2.Handler {
	return NewHandler(func(ctx context.Context, request GetTransactionStatusRequest) (GetTransactionStatusResponse, error) {
		return GetTransactionStatus(ctx, logger, store, request)
	})
}
