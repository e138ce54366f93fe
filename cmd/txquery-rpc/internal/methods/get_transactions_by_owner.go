package methods

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/creachadair/jrpc2"
	"github.com/stellar/go/support/errors"
	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/query"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

type TransactionsPaginationOptions struct {
	// Cursor is exclusive: the page starts right after it.
	Cursor *transactions.TxPointer `json:"cursor,omitempty"`
	Limit  uint                    `json:"limit,omitempty"`
}

type GetTransactionsByOwnerRequest struct {
	Owner      string                         `json:"owner"`
	Order      string                         `json:"order,omitempty"`
	Pagination *TransactionsPaginationOptions `json:"pagination,omitempty"`
}

func (req GetTransactionsByOwnerRequest) valid(maxLimit uint) error {
	if req.Owner == "" {
		return errors.New("owner is required")
	}
	if req.Pagination != nil && req.Pagination.Limit > maxLimit {
		return fmt.Errorf("limit must not exceed %d", maxLimit)
	}
	return nil
}

type OwnedTransactionInfo struct {
	// Cursor is the paging token of this transaction.
	Cursor      transactions.TxPointer `json:"cursor"`
	Hash        string                 `json:"hash"`
	BlockHeight uint32                 `json:"blockHeight"`
	TxIndex     uint16                 `json:"txIndex"`
	FeeBump     bool                   `json:"feeBump,omitempty"`
	EnvelopeXdr string                 `json:"envelopeXdr"`
}

type GetTransactionsByOwnerResponse struct {
	Transactions []OwnedTransactionInfo `json:"transactions"`
	// Cursor resumes the enumeration after the last transaction of this page.
	// It is empty when the page holds no transactions.
	Cursor      string `json:"cursor,omitempty"`
	LatestBlock uint32 `json:"latestBlock"`
	OldestBlock uint32 `json:"oldestBlock"`
}

type transactionsByOwnerHandler struct {
	logger       *log.Entry
	store        query.TransactionQueryData
	rangeGetter  BlockRangeGetter
	maxLimit     uint
	defaultLimit uint
}

func (h transactionsByOwnerHandler) getTransactionsByOwner(
	ctx context.Context,
	request GetTransactionsByOwnerRequest,
) (GetTransactionsByOwnerResponse, error) {
	if err := request.valid(h.maxLimit); err != nil {
		return GetTransactionsByOwnerResponse{}, &jrpc2.Error{
			Code:    jrpc2.InvalidParams,
			Message: err.Error(),
		}
	}
	owner, err := transactions.ParseAddress(request.Owner)
	if err != nil {
		return GetTransactionsByOwnerResponse{}, &jrpc2.Error{
			Code:    jrpc2.InvalidParams,
			Message: err.Error(),
		}
	}
	direction, err := storage.ParseDirection(request.Order)
	if err != nil {
		return GetTransactionsByOwnerResponse{}, &jrpc2.Error{
			Code:    jrpc2.InvalidParams,
			Message: err.Error(),
		}
	}

	limit := h.defaultLimit
	var start *transactions.TxPointer
	if request.Pagination != nil {
		start = request.Pagination.Cursor
		if request.Pagination.Limit > 0 {
			limit = request.Pagination.Limit
		}
	}

	blockRange, err := getBlockRange(ctx, h.rangeGetter)
	if err != nil {
		return GetTransactionsByOwnerResponse{}, err
	}
	response := GetTransactionsByOwnerResponse{
		Transactions: []OwnedTransactionInfo{},
		LatestBlock:  blockRange.LastBlock,
		OldestBlock:  blockRange.FirstBlock,
	}

	it := h.store.OwnedTransactions(ctx, owner, start, direction)
	defer it.Close()
	for uint(len(response.Transactions)) < limit {
		result, ok := it.Next()
		if !ok {
			break
		}
		if result.Err != nil {
			if kind, notFound := storage.IsNotFound(result.Err); notFound && kind == storage.Transactions {
				// indexed but no longer stored, e.g. trimmed while paging
				h.logger.WithField("owner", request.Owner).Debug("skipping owned transaction which is gone")
				continue
			}
			h.logger.WithError(result.Err).
				WithField("owner", request.Owner).
				Error("failed to enumerate owned transactions")
			return GetTransactionsByOwnerResponse{}, &jrpc2.Error{
				Code:    jrpc2.InternalError,
				Message: result.Err.Error(),
			}
		}

		owned := result.Value
		response.Transactions = append(response.Transactions, OwnedTransactionInfo{
			Cursor:      owned.Pointer,
			Hash:        owned.Transaction.ID.HexString(),
			BlockHeight: owned.Pointer.BlockHeight,
			TxIndex:     owned.Pointer.TxIndex,
			FeeBump:     owned.Transaction.FeeBump,
			EnvelopeXdr: base64.StdEncoding.EncodeToString(owned.Transaction.Envelope),
		})
		response.Cursor = owned.Pointer.String()
	}
	return response, nil
}

func NewGetTransactionsByOwnerHandler(
	logger *log.Entry,
	store query.TransactionQueryData,
	rangeGetter BlockRangeGetter,
	maxLimit, defaultLimit uint,
) jrpc2.Handler {
	h := transactionsByOwnerHandler{
		logger:       logger,
		store:        store,
		rangeGetter:  rangeGetter,
		maxLimit:     maxLimit,
		defaultLimit: defaultLimit,
	}
	return NewHandler(func(ctx context.Context, request GetTransactionsByOwnerRequest) (GetTransactionsByOwnerResponse, error) {
		return h.getTransactionsByOwner(ctx, request)
	})
}
