package db

import (
	"context"
	"path"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/daemon/interfaces"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/query"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

func NewTestDB(tb testing.TB) *DB {
	tmp := tb.TempDir()
	dbPath := path.Join(tmp, "db.sqlite")
	db, err := OpenSQLiteDB(dbPath)
	require.NoError(tb, err)
	tb.Cleanup(func() {
		require.NoError(tb, db.Close())
	})
	return db
}

var (
	ownerA = transactions.Address{0xaa, 1}
	ownerB = transactions.Address{0xbb, 2}
)

func testTransaction(blockHeight uint32) transactions.Transaction {
	id := transactions.TxID{0x77, byte(blockHeight), byte(blockHeight >> 8), byte(blockHeight >> 16)}
	return transactions.Transaction{
		ID:       id,
		Envelope: []byte{0, 0, 0, 2, byte(blockHeight)},
		FeeBump:  blockHeight%3 == 0,
	}
}

func testReceipts(blockHeight uint32) []transactions.Receipt {
	contract := transactions.Address{0xcc, byte(blockHeight)}
	return []transactions.Receipt{
		{Kind: transactions.ReceiptCall, Contract: &contract, Amount: uint64(blockHeight)},
		{Kind: transactions.ReceiptLog, Contract: &contract, Data: []byte("hello")},
		{Kind: transactions.ReceiptReturn, Data: []byte{byte(blockHeight)}},
		{Kind: transactions.ReceiptScriptResult},
	}
}

// ingest writes count transactions of ownerA, one per block starting at
// firstBlock, each at tx index 1. Every other one is also owned by ownerB.
func ingest(t *testing.T, db *DB, retentionWindow uint32, firstBlock uint32, count int) []transactions.OwnedTransaction {
	ctx := context.TODO()
	logger := log.DefaultLogger
	logger.SetLevel(logrus.TraceLevel)

	writer := NewReadWriter(logger, db, interfaces.MakeNoOpDeamon(), retentionWindow)
	write, err := writer.NewTx(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, write.Rollback()) }()

	var stored []transactions.OwnedTransaction
	txW := write.TransactionWriter()
	for i := 0; i < count; i++ {
		height := firstBlock + uint32(i)
		tx := testTransaction(height)
		owners := []transactions.Address{ownerA}
		if i%2 == 0 {
			owners = append(owners, ownerB)
		}
		pointer := transactions.NewTxPointer(height, 1)
		require.NoError(t, txW.InsertTransaction(pointer, tx, testReceipts(height), owners))
		require.NoError(t, txW.SetStatus(tx.ID, transactions.Success(height, time.Unix(int64(height), 0), nil)))
		stored = append(stored, transactions.OwnedTransaction{Pointer: pointer, Transaction: tx})
	}
	require.NoError(t, write.Commit(firstBlock+uint32(count)-1))
	return stored
}

func newTestReader(db *DB, pageSize uint) TransactionReader {
	return NewTransactionReader(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), pageSize)
}

func TestTransactionNotFound(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	reader := newTestReader(db, 10)

	blockRange, err := reader.GetBlockRange(ctx)
	require.NoError(t, err)
	assert.Equal(t, BlockRange{}, blockRange)

	database := query.New(reader)
	_, err = database.Transaction(ctx, transactions.TxID{})
	require.ErrorIs(t, err, storage.NotFound(storage.Transactions))
	_, err = database.Receipts(ctx, transactions.TxID{})
	require.ErrorIs(t, err, storage.NotFound(storage.Transactions))
	_, err = database.Status(ctx, transactions.TxID{})
	require.ErrorIs(t, err, storage.NotFound(storage.TransactionStatuses))

	_, err = NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0).GetLatestBlockHeight(ctx)
	require.ErrorIs(t, err, ErrEmptyDB)
}

func TestTransactionFound(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	stored := ingest(t, db, 0, 1234, 4)

	reader := newTestReader(db, 10)
	blockRange, err := reader.GetBlockRange(ctx)
	require.NoError(t, err)
	assert.Equal(t, BlockRange{FirstBlock: 1234, LastBlock: 1237}, blockRange)

	latest, err := NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0).GetLatestBlockHeight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1237, latest)

	database := query.New(reader)
	for _, entry := range stored {
		tx, err := database.Transaction(ctx, entry.Transaction.ID)
		require.NoError(t, err, "failed to find txhash %s in db", entry.Transaction.ID.HexString())
		assert.Equal(t, entry.Transaction, tx)

		receipts, err := database.Receipts(ctx, entry.Transaction.ID)
		require.NoError(t, err)
		assert.Equal(t, testReceipts(entry.Pointer.BlockHeight), receipts)

		status, err := database.Status(ctx, entry.Transaction.ID)
		require.NoError(t, err)
		assert.Equal(t, transactions.StatusSuccess, status.Kind)
		assert.Equal(t, entry.Pointer.BlockHeight, status.BlockHeight)
		assert.Equal(t, int64(entry.Pointer.BlockHeight), status.Time.Unix())
	}
}

func TestEmptyReceiptsArePresent(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()

	write, err := NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0).NewTx(ctx)
	require.NoError(t, err)
	tx := testTransaction(7)
	require.NoError(t, write.TransactionWriter().InsertTransaction(transactions.NewTxPointer(7, 0), tx, nil, nil))
	require.NoError(t, write.Commit(7))

	receipts, err := query.New(newTestReader(db, 10)).Receipts(ctx, tx.ID)
	require.NoError(t, err)
	assert.NotNil(t, receipts)
	assert.Empty(t, receipts)
}

func TestStatusRoundTrip(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	at := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	statuses := map[transactions.TxID]transactions.TransactionStatus{
		{1}: transactions.Submitted(at),
		{2}: transactions.SqueezedOut("fee too low"),
		{3}: transactions.Failed(42, at, "out of gas", []byte{1, 2}),
		{4}: transactions.Success(43, at, []byte{3}),
	}

	write, err := NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0).NewTx(ctx)
	require.NoError(t, err)
	for id, status := range statuses {
		require.NoError(t, write.TransactionWriter().SetStatus(id, status))
	}
	require.Error(t, write.TransactionWriter().SetStatus(transactions.TxID{5}, transactions.TransactionStatus{Kind: "BOGUS"}))
	require.NoError(t, write.Commit(43))

	reader := newTestReader(db, 10)
	for id, expected := range statuses {
		got, err := reader.TxStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, expected, got)
	}
}

func TestOwnedTransactionIDsPaging(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	stored := ingest(t, db, 0, 100, 7)

	// page sizes below, at and above the result size
	for _, pageSize := range []uint{1, 2, 3, 7, 50} {
		database := query.New(newTestReader(db, pageSize))

		asc, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, nil, storage.Forward))
		require.NoError(t, err)
		assert.Equal(t, stored, asc, "page size %d", pageSize)

		desc, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, nil, storage.Backward))
		require.NoError(t, err)
		require.Len(t, desc, len(stored))
		for i := range desc {
			assert.Equal(t, stored[len(stored)-1-i], desc[i])
		}

		onlyB, err := storage.Collect(database.OwnedTransactions(ctx, ownerB, nil, storage.Forward))
		require.NoError(t, err)
		assert.Equal(t, []transactions.OwnedTransaction{stored[0], stored[2], stored[4], stored[6]}, onlyB)
	}
}

func TestOwnedTransactionIDsStartIsExclusive(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	stored := ingest(t, db, 0, 1, 3)
	database := query.New(newTestReader(db, 2))

	p1, p3 := stored[0].Pointer, stored[2].Pointer
	afterP1, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, &p1, storage.Forward))
	require.NoError(t, err)
	assert.Equal(t, stored[1:], afterP1)

	beforeP3, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, &p3, storage.Backward))
	require.NoError(t, err)
	assert.Equal(t, []transactions.OwnedTransaction{stored[1], stored[0]}, beforeP3)

	// same block, lower and higher tx index than the stored ones
	lower, higher := transactions.NewTxPointer(2, 0), transactions.NewTxPointer(2, 2)
	fromLower, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, &lower, storage.Forward))
	require.NoError(t, err)
	assert.Equal(t, stored[1:], fromLower)
	fromHigher, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, &higher, storage.Backward))
	require.NoError(t, err)
	assert.Equal(t, []transactions.OwnedTransaction{stored[1], stored[0]}, fromHigher)
}

func TestOwnedTransactionIDsResume(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	stored := ingest(t, db, 0, 10, 5)
	database := query.New(newTestReader(db, 2))

	it := database.OwnedTransactions(ctx, ownerA, nil, storage.Forward)
	first, err := storage.Collect(storage.Take(it, 3))
	require.NoError(t, err)
	cursor := first[len(first)-1].Pointer

	rest, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, &cursor, storage.Forward))
	require.NoError(t, err)
	assert.Equal(t, stored, append(first, rest...))
}

func TestOwnedTransactionsDeletedOutOfBand(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	stored := ingest(t, db, 0, 1, 4)

	missing := stored[1].Transaction.ID
	_, err := db.Exec(ctx, sq.Delete(transactionTableName).Where(sq.Eq{"id": missing[:]}))
	require.NoError(t, err)

	it := query.New(newTestReader(db, 3)).OwnedTransactions(ctx, ownerA, nil, storage.Forward)
	defer it.Close()
	var results []storage.Result[transactions.OwnedTransaction]
	for {
		r, ok := it.Next()
		if !ok {
			break
		}
		results = append(results, r)
	}
	require.Len(t, results, 4)
	require.ErrorIs(t, results[1].Err, storage.NotFound(storage.Transactions))
	for _, i := range []int{0, 2, 3} {
		require.NoError(t, results[i].Err)
		assert.Equal(t, stored[i], results[i].Value)
	}
}

func TestOwnedTransactionIDsCancelled(t *testing.T) {
	db := NewTestDB(t)
	stored := ingest(t, db, 0, 1, 4)
	ctx, cancel := context.WithCancel(context.Background())

	it := newTestReader(db, 1).OwnedTransactionIDs(ctx, ownerA, nil, storage.Forward)
	defer it.Close()
	r, ok := it.Next()
	require.True(t, ok)
	require.NoError(t, r.Err)
	assert.Equal(t, stored[0].Transaction.ID, r.Value.ID)

	cancel()
	r, ok = it.Next()
	require.True(t, ok)
	require.ErrorIs(t, r.Err, context.Canceled)
	_, ok = it.Next()
	assert.False(t, ok)
}

func TestTrimTransactions(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	stored := ingest(t, db, 3, 1, 6)

	reader := newTestReader(db, 10)
	blockRange, err := reader.GetBlockRange(ctx)
	require.NoError(t, err)
	assert.Equal(t, BlockRange{FirstBlock: 4, LastBlock: 6}, blockRange)

	database := query.New(reader)
	kept, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, nil, storage.Forward))
	require.NoError(t, err)
	assert.Equal(t, stored[3:], kept)

	trimmedID := stored[0].Transaction.ID
	_, err = database.Receipts(ctx, trimmedID)
	require.ErrorIs(t, err, storage.NotFound(storage.Transactions))
	_, err = database.Status(ctx, trimmedID)
	require.ErrorIs(t, err, storage.NotFound(storage.TransactionStatuses))
}

func TestInsertRejectsUnencodablePointer(t *testing.T) {
	db := NewTestDB(t)
	write, err := NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0).NewTx(context.TODO())
	require.NoError(t, err)
	defer func() { require.NoError(t, write.Rollback()) }()

	err = write.TransactionWriter().InsertTransaction(
		transactions.NewTxPointer(1<<31, 0), testTransaction(1), nil, nil)
	require.ErrorContains(t, err, "exceeds")
}

func BenchmarkOwnedTransactions(b *testing.B) {
	db := NewTestDB(b)
	ctx := context.TODO()

	writer := NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0)
	write, err := writer.NewTx(ctx)
	require.NoError(b, err)
	txW := write.TransactionWriter()
	for i := uint32(1); i <= 10_000; i++ {
		require.NoError(b, txW.InsertTransaction(
			transactions.NewTxPointer(i, 0), testTransaction(i), testReceipts(i), []transactions.Address{ownerA}))
	}
	require.NoError(b, write.Commit(10_000))
	database := query.New(newTestReader(db, DefaultOwnedTransactionsPageSize))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		values, err := storage.Collect(storage.Take(
			database.OwnedTransactions(ctx, ownerA, nil, storage.Backward), 200))
		require.NoError(b, err)
		assert.Len(b, values, 200)
	}
}

func TestDeleteTransaction(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	stored := ingest(t, db, 0, 1, 3)
	deleted := stored[1].Transaction.ID

	write, err := NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0).NewTx(ctx)
	require.NoError(t, err)
	require.NoError(t, write.TransactionWriter().DeleteTransaction(deleted))
	require.NoError(t, write.TransactionWriter().DeleteTransaction(transactions.TxID{0xde, 0xad}))
	require.NoError(t, write.Commit(3))

	database := query.New(newTestReader(db, 10))
	_, err = database.Transaction(ctx, deleted)
	require.ErrorIs(t, err, storage.NotFound(storage.Transactions))
	_, err = database.Receipts(ctx, deleted)
	require.ErrorIs(t, err, storage.NotFound(storage.Transactions))
	_, err = database.Status(ctx, deleted)
	require.ErrorIs(t, err, storage.NotFound(storage.TransactionStatuses))

	remaining, err := storage.Collect(database.OwnedTransactions(ctx, ownerA, nil, storage.Forward))
	require.NoError(t, err)
	assert.Equal(t, []transactions.OwnedTransaction{stored[0], stored[2]}, remaining)
}

func TestInsertDeduplicatesOwners(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	tx := testTransaction(4)
	pointer := transactions.NewTxPointer(4, 0)

	write, err := NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0).NewTx(ctx)
	require.NoError(t, err)
	require.NoError(t, write.TransactionWriter().InsertTransaction(
		pointer, tx, nil, []transactions.Address{ownerA, ownerB, ownerA}))
	require.NoError(t, write.Commit(4))

	reader := newTestReader(db, 10)
	for _, owner := range []transactions.Address{ownerA, ownerB} {
		ids, err := storage.Collect(reader.OwnedTransactionIDs(ctx, owner, nil, storage.Forward))
		require.NoError(t, err)
		assert.Equal(t, []transactions.OwnedTransactionID{{Pointer: pointer, ID: tx.ID}}, ids)
	}
}

func TestInsertNilEnvelope(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.TODO()
	tx := testTransaction(9)
	tx.Envelope = nil

	write, err := NewReadWriter(log.DefaultLogger, db, interfaces.MakeNoOpDeamon(), 0).NewTx(ctx)
	require.NoError(t, err)
	require.NoError(t, write.TransactionWriter().InsertTransaction(transactions.NewTxPointer(9, 0), tx, nil, nil))
	require.NoError(t, write.Commit(9))

	stored, ok, err := newTestReader(db, 10).GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, stored.Envelope)
}
