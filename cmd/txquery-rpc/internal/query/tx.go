package query

import (
	"context"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

// DatabasePort is what a storage backend has to provide. Implementations must
// be safe for concurrent readers; any consistency between separate calls
// (e.g. between an owner enumeration and later lookups) is up to the backend.
type DatabasePort interface {
	// GetTransaction returns false if there is no transaction with this id.
	GetTransaction(ctx context.Context, id transactions.TxID) (transactions.Transaction, bool, error)
	// GetReceipts returns false if there is no receipts entry for this id. A
	// transaction which produced no receipts has a present, empty entry.
	GetReceipts(ctx context.Context, id transactions.TxID) ([]transactions.Receipt, bool, error)
	// TxStatus fails with storage.NotFound(storage.TransactionStatuses) for
	// unknown ids.
	TxStatus(ctx context.Context, id transactions.TxID) (transactions.TransactionStatus, error)
	// OwnedTransactionIDs enumerates the owner index of owner in the given
	// direction. When start is set, enumeration begins strictly after it in
	// that direction: start itself is never yielded.
	OwnedTransactionIDs(
		ctx context.Context,
		owner transactions.Address,
		start *transactions.TxPointer,
		direction storage.Direction,
	) storage.Iterator[transactions.OwnedTransactionID]
}

// SimpleTransactionData resolves transaction ids into stored records.
type SimpleTransactionData interface {
	// Transaction returns the transaction, or storage.NotFound(storage.Transactions).
	Transaction(ctx context.Context, id transactions.TxID) (transactions.Transaction, error)
	// Receipts returns all receipts of the transaction in execution order, or
	// storage.NotFound(storage.Transactions) if the store has no receipts entry.
	Receipts(ctx context.Context, id transactions.TxID) ([]transactions.Receipt, error)
}

// TransactionQueryData adds status and owner queries on top of SimpleTransactionData.
type TransactionQueryData interface {
	SimpleTransactionData

	Status(ctx context.Context, id transactions.TxID) (transactions.TransactionStatus, error)

	// OwnedTransactions yields the transactions of owner ordered by pointer.
	// start is exclusive, see DatabasePort.OwnedTransactionIDs. A failure to
	// enumerate or to load a transaction is yielded at the position where it
	// happened, as returned by the backend.
	OwnedTransactions(
		ctx context.Context,
		owner transactions.Address,
		start *transactions.TxPointer,
		direction storage.Direction,
	) storage.Iterator[transactions.OwnedTransaction]
}

// Database gives any DatabasePort both query capabilities.
type Database struct {
	DatabasePort
}

var (
	_ SimpleTransactionData = Database{}
	_ TransactionQueryData  = Database{}
)

func New(port DatabasePort) Database {
	return Database{DatabasePort: port}
}

func (d Database) Transaction(ctx context.Context, id transactions.TxID) (transactions.Transaction, error) {
	tx, ok, err := d.GetTransaction(ctx, id)
	if err != nil {
		return transactions.Transaction{}, err
	}
	if !ok {
		return transactions.Transaction{}, storage.NotFound(storage.Transactions)
	}
	return tx, nil
}

func (d Database) Receipts(ctx context.Context, id transactions.TxID) ([]transactions.Receipt, error) {
	receipts, ok, err := d.GetReceipts(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NotFound(storage.Transactions)
	}
	if receipts == nil {
		receipts = []transactions.Receipt{}
	}
	return receipts, nil
}

func (d Database) Status(ctx context.Context, id transactions.TxID) (transactions.TransactionStatus, error) {
	return d.TxStatus(ctx, id)
}

func (d Database) OwnedTransactions(
	ctx context.Context,
	owner transactions.Address,
	start *transactions.TxPointer,
	direction storage.Direction,
) storage.Iterator[transactions.OwnedTransaction] {
	ids := d.OwnedTransactionIDs(ctx, owner, start, direction)
	return storage.Map(ids, func(entry transactions.OwnedTransactionID) (transactions.OwnedTransaction, error) {
		tx, err := d.Transaction(ctx, entry.ID)
		if err != nil {
			return transactions.OwnedTransaction{}, err
		}
		return transactions.OwnedTransaction{Pointer: entry.Pointer, Transaction: tx}, nil
	})
}
