package db

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

type mockTransactionHandler struct {
	lock sync.RWMutex

	blockRange BlockRange
	hasBlocks  bool
	txs        map[transactions.TxID]transactions.Transaction
	receipts   map[transactions.TxID][]transactions.Receipt
	statuses   map[transactions.TxID]transactions.TransactionStatus
	// ascending by pointer
	owned map[transactions.Address][]transactions.OwnedTransactionID
}

func NewMockTransactionStore() *mockTransactionHandler {
	return &mockTransactionHandler{
		txs:      make(map[transactions.TxID]transactions.Transaction),
		receipts: make(map[transactions.TxID][]transactions.Receipt),
		statuses: make(map[transactions.TxID]transactions.TransactionStatus),
		owned:    make(map[transactions.Address][]transactions.OwnedTransactionID),
	}
}

func (txn *mockTransactionHandler) InsertTransaction(
	pointer transactions.TxPointer,
	tx transactions.Transaction,
	receipts []transactions.Receipt,
	owners []transactions.Address,
) error {
	txn.lock.Lock()
	defer txn.lock.Unlock()

	if receipts == nil {
		receipts = []transactions.Receipt{}
	}
	if tx.Envelope == nil {
		tx.Envelope = []byte{}
	}
	txn.txs[tx.ID] = tx
	txn.receipts[tx.ID] = receipts
	for _, owner := range owners {
		entries := txn.owned[owner]
		i := sort.Search(len(entries), func(i int) bool {
			return entries[i].Pointer.Cmp(pointer) >= 0
		})
		entry := transactions.OwnedTransactionID{Pointer: pointer, ID: tx.ID}
		if i < len(entries) && entries[i].Pointer == pointer {
			entries[i] = entry
		} else {
			entries = append(entries, transactions.OwnedTransactionID{})
			copy(entries[i+1:], entries[i:])
			entries[i] = entry
		}
		txn.owned[owner] = entries
	}

	h := pointer.BlockHeight
	if !txn.hasBlocks {
		txn.blockRange = BlockRange{FirstBlock: h, LastBlock: h}
		txn.hasBlocks = true
		return nil
	}
	if h < txn.blockRange.FirstBlock {
		txn.blockRange.FirstBlock = h
	}
	if h > txn.blockRange.LastBlock {
		txn.blockRange.LastBlock = h
	}
	return nil
}

func (txn *mockTransactionHandler) SetStatus(id transactions.TxID, status transactions.TransactionStatus) error {
	txn.lock.Lock()
	defer txn.lock.Unlock()
	txn.statuses[id] = status
	return nil
}

func (txn *mockTransactionHandler) DeleteTransaction(id transactions.TxID) error {
	txn.lock.Lock()
	defer txn.lock.Unlock()
	delete(txn.txs, id)
	delete(txn.receipts, id)
	delete(txn.statuses, id)
	for owner, entries := range txn.owned {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.ID != id {
				kept = append(kept, entry)
			}
		}
		txn.owned[owner] = kept
	}
	return nil
}

// RemoveTransaction deletes the transaction and its receipts but leaves the
// owner index untouched, like a body pruned behind the index's back.
func (txn *mockTransactionHandler) RemoveTransaction(id transactions.TxID) {
	txn.lock.Lock()
	defer txn.lock.Unlock()
	delete(txn.txs, id)
	delete(txn.receipts, id)
}

func (txn *mockTransactionHandler) RegisterMetrics(_, _ prometheus.Observer) {}

func (txn *mockTransactionHandler) GetBlockRange(context.Context) (BlockRange, error) {
	txn.lock.RLock()
	defer txn.lock.RUnlock()
	return txn.blockRange, nil
}

func (txn *mockTransactionHandler) GetTransaction(_ context.Context, id transactions.TxID) (
	transactions.Transaction, bool, error,
) {
	txn.lock.RLock()
	defer txn.lock.RUnlock()
	tx, ok := txn.txs[id]
	return tx, ok, nil
}

func (txn *mockTransactionHandler) GetReceipts(_ context.Context, id transactions.TxID) (
	[]transactions.Receipt, bool, error,
) {
	txn.lock.RLock()
	defer txn.lock.RUnlock()
	receipts, ok := txn.receipts[id]
	if !ok {
		return nil, false, nil
	}
	return append([]transactions.Receipt{}, receipts...), true, nil
}

func (txn *mockTransactionHandler) TxStatus(_ context.Context, id transactions.TxID) (
	transactions.TransactionStatus, error,
) {
	txn.lock.RLock()
	defer txn.lock.RUnlock()
	status, ok := txn.statuses[id]
	if !ok {
		return transactions.TransactionStatus{}, storage.NotFound(storage.TransactionStatuses)
	}
	return status, nil
}

// OwnedTransactionIDs looks up one entry per call to Next, so writes made
// while iterating are observed.
func (txn *mockTransactionHandler) OwnedTransactionIDs(
	ctx context.Context,
	owner transactions.Address,
	start *transactions.TxPointer,
	direction storage.Direction,
) storage.Iterator[transactions.OwnedTransactionID] {
	var cursor *transactions.TxPointer
	if start != nil {
		c := *start
		cursor = &c
	}
	cancelled := false
	return storage.NewIterator(func() (storage.Result[transactions.OwnedTransactionID], bool) {
		if cancelled {
			return storage.Result[transactions.OwnedTransactionID]{}, false
		}
		if err := ctx.Err(); err != nil {
			cancelled = true
			return storage.Fail[transactions.OwnedTransactionID](err), true
		}
		entry, ok := txn.nextOwned(owner, cursor, direction)
		if !ok {
			return storage.Result[transactions.OwnedTransactionID]{}, false
		}
		cursor = &entry.Pointer
		return storage.Ok(entry), true
	}, nil)
}

func (txn *mockTransactionHandler) nextOwned(
	owner transactions.Address,
	cursor *transactions.TxPointer,
	direction storage.Direction,
) (transactions.OwnedTransactionID, bool) {
	txn.lock.RLock()
	defer txn.lock.RUnlock()
	entries := txn.owned[owner]

	if direction == storage.Backward {
		i := len(entries) - 1
		if cursor != nil {
			// first entry >= cursor, the one before it is the next one down
			i = sort.Search(len(entries), func(i int) bool {
				return entries[i].Pointer.Cmp(*cursor) >= 0
			}) - 1
		}
		if i < 0 {
			return transactions.OwnedTransactionID{}, false
		}
		return entries[i], true
	}

	i := 0
	if cursor != nil {
		i = sort.Search(len(entries), func(i int) bool {
			return entries[i].Pointer.Cmp(*cursor) > 0
		})
	}
	if i >= len(entries) {
		return transactions.OwnedTransactionID{}, false
	}
	return entries[i], true
}

var _ TransactionReader = &mockTransactionHandler{}
var _ TransactionWriter = &mockTransactionHandler{}
