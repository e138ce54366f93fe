package methods

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/creachadair/jrpc2"

	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/query"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

// TransactionStatusNotFound indicates the transaction is unknown to the store.
// The other response statuses are the transactions.StatusKind values.
const TransactionStatusNotFound = "NOT_FOUND"

// GetTransactionResponse is the response for the getTransaction() endpoint
type GetTransactionResponse struct {
	// Status is one of the transactions.StatusKind values or TransactionStatusNotFound.
	Status string `json:"status"`
	// LatestBlock is the newest block with transactions in the store.
	LatestBlock uint32 `json:"latestBlock"`
	// OldestBlock is the oldest block with transactions in the store.
	OldestBlock uint32 `json:"oldestBlock"`

	// The fields below are only present if the transaction was included in a block.

	// BlockHeight is the height of the block which included the transaction.
	BlockHeight uint32 `json:"blockHeight,omitempty"`
	// CreatedAt is the unix timestamp of the last status change.
	CreatedAt int64 `json:"createdAt,string,omitempty"`
	// FeeBump indicates whether the transaction is a feebump transaction
	FeeBump bool `json:"feeBump,omitempty"`
	// EnvelopeXdr is the TransactionEnvelope XDR value.
	EnvelopeXdr string `json:"envelopeXdr,omitempty"`
	// ResultXdr is the TransactionResult XDR value.
	ResultXdr string `json:"resultXdr,omitempty"`
	// Reason explains a FAILED or SQUEEZED_OUT status.
	Reason string `json:"reason,omitempty"`
}

type GetTransactionRequest struct {
	Hash string `json:"hash"`
}

func GetTransaction(
	ctx context.Context,
	log *log.Entry,
	store query.TransactionQueryData,
	rangeGetter BlockRangeGetter,
	request GetTransactionRequest,
) (GetTransactionResponse, error) {
	txHash, err := parseHash(request.Hash)
	if err != nil {
		return GetTransactionResponse{}, err
	}

	blockRange, err := getBlockRange(ctx, rangeGetter)
	if err != nil {
		return GetTransactionResponse{}, err
	}
	response := GetTransactionResponse{
		LatestBlock: blockRange.LastBlock,
		OldestBlock: blockRange.FirstBlock,
	}

	status, err := store.Status(ctx, txHash)
	if errors.Is(err, storage.ErrNotFound) {
		response.Status = TransactionStatusNotFound
		return response, nil
	} else if err != nil {
		return response, internalError(log, txHash, "failed to fetch transaction status", err)
	}
	response.Status = string(status.Kind)
	response.Reason = status.Reason
	if !status.Time.IsZero() {
		response.CreatedAt = status.Time.Unix()
	}
	if !status.Included() {
		return response, nil
	}

	tx, err := store.Transaction(ctx, txHash)
	if errors.Is(err, storage.ErrNotFound) {
		// trimmed after the status was read
		return GetTransactionResponse{
			Status:      TransactionStatusNotFound,
			LatestBlock: blockRange.LastBlock,
			OldestBlock: blockRange.FirstBlock,
		}, nil
	} else if err != nil {
		return response, internalError(log, txHash, "failed to fetch transaction", err)
	}

	response.BlockHeight = status.BlockHeight
	response.FeeBump = tx.FeeBump
	response.EnvelopeXdr = base64.StdEncoding.EncodeToString(tx.Envelope)
	if len(status.Result) > 0 {
		response.ResultXdr = base64.StdEncoding.EncodeToString(status.Result)
	}
	return response, nil
}

func internalError(log *log.Entry, txHash transactions.TxID, msg string, err error) error {
	log.WithError(err).
		WithField("hash", txHash.HexString()).
		Error(msg)
	return &jrpc2.Error{
		Code:    jrpc2.InternalError,
		Message: fmt.Sprintf("%s: %v", msg, err),
	}
}

// NewGetTransactionHandler returns a get transaction json rpc handler
func NewGetTransactionHandler(logger *log.Entry, store query.TransactionQueryData, rangeGetter BlockRangeGetter) jrpc2.Handler {
	return NewHandler(func(ctx context.Context, request GetTransactionRequest) (GetTransactionResponse, error) {
		return GetTransaction(ctx, logger, store, rangeGetter, request)
	})
}
