package methods

import (
	"context"
	"fmt"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/db"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

func NewHandler(fn any) jrpc2.Handler {
	fi, err := handler.Check(fn)
	if err != nil {
		panic(err)
	}
	// explicitly disable array arguments since otherwise we cannot add
	// new method arguments without breaking backwards compatibility with clients
	fi.AllowArray(false)
	return fi.Wrap()
}

// BlockRangeGetter returns the range of blocks currently in the store.
type BlockRangeGetter interface {
	GetBlockRange(ctx context.Context) (db.BlockRange, error)
}

func parseHash(hash string) (transactions.TxID, error) {
	id, err := transactions.ParseTxID(hash)
	if err != nil {
		return transactions.TxID{}, &jrpc2.Error{
			Code:    jrpc2.InvalidParams,
			Message: err.Error(),
		}
	}
	return id, nil
}

func getBlockRange(ctx context.Context, getter BlockRangeGetter) (db.BlockRange, error) {
	blockRange, err := getter.GetBlockRange(ctx)
	if err != nil {
		return db.BlockRange{}, &jrpc2.Error{
			Code:    jrpc2.InternalError,
			Message: fmt.Sprintf("unable to get block range: %v", err),
		}
	}
	return blockRange, nil
}
