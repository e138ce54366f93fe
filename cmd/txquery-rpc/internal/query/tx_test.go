package query_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/db"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/query"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

var (
	ownerA = transactions.Address{0xaa}
	ownerB = transactions.Address{0xbb}
)

func txID(n byte) transactions.TxID {
	return transactions.TxID{n, 0xfe}
}

func testTx(n byte) transactions.Transaction {
	return transactions.Transaction{ID: txID(n), Envelope: []byte{n, n, n}}
}

type mockStore interface {
	query.DatabasePort
	RemoveTransaction(id transactions.TxID)
}

type fixture struct {
	store    mockStore
	pointers []transactions.TxPointer
}

// newFixture stores five transactions of ownerA, three of which are shared with ownerB.
func newFixture(t *testing.T) *fixture {
	store := db.NewMockTransactionStore()
	f := &fixture{store: store}
	pointers := []transactions.TxPointer{
		transactions.NewTxPointer(10, 0),
		transactions.NewTxPointer(10, 3),
		transactions.NewTxPointer(11, 1),
		transactions.NewTxPointer(15, 0),
		transactions.NewTxPointer(20, 2),
	}
	// insert out of order, the index has to sort them
	for _, i := range []int{3, 0, 4, 1, 2} {
		owners := []transactions.Address{ownerA}
		if i%2 == 0 {
			owners = append(owners, ownerB)
		}
		receipts := []transactions.Receipt{
			{Kind: transactions.ReceiptCall, Amount: uint64(i)},
			{Kind: transactions.ReceiptReturn, Data: []byte{byte(i)}},
		}
		require.NoError(t, store.InsertTransaction(pointers[i], testTx(byte(i)), receipts, owners))
	}
	f.pointers = pointers
	return f
}

func collect(t *testing.T, it storage.Iterator[transactions.OwnedTransaction]) []transactions.OwnedTransaction {
	values, err := storage.Collect(it)
	require.NoError(t, err)
	return values
}

func TestTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.TODO()
	database := query.New(f.store)

	tx, err := database.Transaction(ctx, txID(2))
	require.NoError(t, err)
	assert.Equal(t, testTx(2), tx)

	_, err = database.Transaction(ctx, txID(99))
	require.ErrorIs(t, err, storage.NotFound(storage.Transactions))
}

func TestReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.TODO()
	database := query.New(f.store)

	receipts, err := database.Receipts(ctx, txID(3))
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, transactions.ReceiptCall, receipts[0].Kind)
	assert.EqualValues(t, 3, receipts[0].Amount)
	assert.Equal(t, transactions.ReceiptReturn, receipts[1].Kind)

	// absence of the receipts entry reads as an unknown transaction
	_, err = database.Receipts(ctx, txID(99))
	require.ErrorIs(t, err, storage.NotFound(storage.Transactions))
}

func TestReceiptsEmptyButPresent(t *testing.T) {
	store := db.NewMockTransactionStore()
	require.NoError(t, store.InsertTransaction(transactions.NewTxPointer(1, 0), testTx(1), nil, nil))

	receipts, err := query.New(store).Receipts(context.TODO(), txID(1))
	require.NoError(t, err)
	assert.NotNil(t, receipts)
	assert.Empty(t, receipts)
}

func TestStatus(t *testing.T) {
	store := db.NewMockTransactionStore()
	status := transactions.SqueezedOut("insufficient fee")
	require.NoError(t, store.SetStatus(txID(1), status))

	database := query.New(store)
	got, err := database.Status(context.TODO(), txID(1))
	require.NoError(t, err)
	assert.Equal(t, status, got)

	_, err = database.Status(context.TODO(), txID(2))
	require.ErrorIs(t, err, storage.NotFound(storage.TransactionStatuses))
}

func TestOwnedTransactionsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.TODO()
	database := query.New(f.store)

	asc := collect(t, database.OwnedTransactions(ctx, ownerA, nil, storage.Forward))
	require.Len(t, asc, len(f.pointers))
	for i := 1; i < len(asc); i++ {
		assert.Equal(t, -1, asc[i-1].Pointer.Cmp(asc[i].Pointer))
	}
	for i, entry := range asc {
		assert.Equal(t, f.pointers[i], entry.Pointer)
		assert.Equal(t, testTx(byte(i)), entry.Transaction)
	}

	desc := collect(t, database.OwnedTransactions(ctx, ownerA, nil, storage.Backward))
	require.Len(t, desc, len(asc))
	for i := range desc {
		assert.Equal(t, asc[len(asc)-1-i], desc[i])
	}

	onlyB := collect(t, database.OwnedTransactions(ctx, ownerB, nil, storage.Forward))
	require.Len(t, onlyB, 3)
	assert.Equal(t, f.pointers[0], onlyB[0].Pointer)
	assert.Equal(t, f.pointers[2], onlyB[1].Pointer)
	assert.Equal(t, f.pointers[4], onlyB[2].Pointer)

	assert.Empty(t, collect(t, database.OwnedTransactions(ctx, transactions.Address{0xcc}, nil, storage.Forward)))
}

func TestOwnedTransactionsStartIsExclusive(t *testing.T) {
	store := db.NewMockTransactionStore()
	p1, p2, p3 := transactions.NewTxPointer(1, 0), transactions.NewTxPointer(1, 1), transactions.NewTxPointer(2, 0)
	for i, p := range []transactions.TxPointer{p1, p2, p3} {
		require.NoError(t, store.InsertTransaction(p, testTx(byte(i+1)), nil, []transactions.Address{ownerA}))
	}
	ctx := context.TODO()
	database := query.New(store)

	all := collect(t, database.OwnedTransactions(ctx, ownerA, nil, storage.Forward))
	assert.Equal(t, []transactions.OwnedTransaction{
		{Pointer: p1, Transaction: testTx(1)},
		{Pointer: p2, Transaction: testTx(2)},
		{Pointer: p3, Transaction: testTx(3)},
	}, all)

	afterP1 := collect(t, database.OwnedTransactions(ctx, ownerA, &p1, storage.Forward))
	assert.Equal(t, []transactions.OwnedTransaction{
		{Pointer: p2, Transaction: testTx(2)},
		{Pointer: p3, Transaction: testTx(3)},
	}, afterP1)

	beforeP3 := collect(t, database.OwnedTransactions(ctx, ownerA, &p3, storage.Backward))
	assert.Equal(t, []transactions.OwnedTransaction{
		{Pointer: p2, Transaction: testTx(2)},
		{Pointer: p1, Transaction: testTx(1)},
	}, beforeP3)

	// a cursor that is not in the index still splits it correctly
	between := transactions.NewTxPointer(1, 5)
	afterBetween := collect(t, database.OwnedTransactions(ctx, ownerA, &between, storage.Forward))
	require.Len(t, afterBetween, 1)
	assert.Equal(t, p3, afterBetween[0].Pointer)

	assert.Empty(t, collect(t, database.OwnedTransactions(ctx, ownerA, &p3, storage.Forward)))
}

func TestOwnedTransactionsResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.TODO()
	database := query.New(f.store)

	for _, direction := range []storage.Direction{storage.Forward, storage.Backward} {
		uninterrupted := collect(t, database.OwnedTransactions(ctx, ownerA, nil, direction))

		it := database.OwnedTransactions(ctx, ownerA, nil, direction)
		var resumed []transactions.OwnedTransaction
		for i := 0; i < 2; i++ {
			r, ok := it.Next()
			require.True(t, ok)
			require.NoError(t, r.Err)
			resumed = append(resumed, r.Value)
		}
		it.Close()
		last := resumed[len(resumed)-1].Pointer

		resumed = append(resumed, collect(t, database.OwnedTransactions(ctx, ownerA, &last, direction))...)
		assert.Equal(t, uninterrupted, resumed, direction.String())
	}
}

func TestOwnedTransactionsHydrationFailureStaysInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.TODO()
	database := query.New(f.store)

	f.store.RemoveTransaction(txID(1))

	it := database.OwnedTransactions(ctx, ownerA, nil, storage.Forward)
	defer it.Close()
	var results []storage.Result[transactions.OwnedTransaction]
	for {
		r, ok := it.Next()
		if !ok {
			break
		}
		results = append(results, r)
	}

	require.Len(t, results, len(f.pointers))
	for i, r := range results {
		if i == 1 {
			require.ErrorIs(t, r.Err, storage.NotFound(storage.Transactions))
			continue
		}
		require.NoError(t, r.Err)
		assert.Equal(t, f.pointers[i], r.Value.Pointer)
		assert.Equal(t, testTx(byte(i)), r.Value.Transaction)
	}
}

// failingPort yields an enumeration error at a fixed position.
type failingPort struct {
	query.DatabasePort
	err   error
	at    int
	loads int
	mu    sync.Mutex
}

func (p *failingPort) GetTransaction(ctx context.Context, id transactions.TxID) (transactions.Transaction, bool, error) {
	p.mu.Lock()
	p.loads++
	p.mu.Unlock()
	return p.DatabasePort.GetTransaction(ctx, id)
}

func (p *failingPort) OwnedTransactionIDs(
	ctx context.Context,
	owner transactions.Address,
	start *transactions.TxPointer,
	direction storage.Direction,
) storage.Iterator[transactions.OwnedTransactionID] {
	inner := p.DatabasePort.OwnedTransactionIDs(ctx, owner, start, direction)
	position := 0
	return storage.NewIterator(func() (storage.Result[transactions.OwnedTransactionID], bool) {
		defer func() { position++ }()
		if position == p.at {
			return storage.Fail[transactions.OwnedTransactionID](p.err), true
		}
		return inner.Next()
	}, inner.Close)
}

func TestOwnedTransactionsEnumerationErrorIsPropagatedUnchanged(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("index unavailable")
	port := &failingPort{DatabasePort: f.store, err: boom, at: 2}
	database := query.New(port)

	it := database.OwnedTransactions(context.TODO(), ownerA, nil, storage.Forward)
	defer it.Close()

	var errs []error
	count := 0
	for {
		r, ok := it.Next()
		if !ok {
			break
		}
		count++
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	require.Len(t, errs, 1)
	assert.Same(t, boom, errs[0])
	assert.Equal(t, len(f.pointers)+1, count)
	assert.Equal(t, len(f.pointers), port.loads)

	values, err := storage.Collect(database.OwnedTransactions(context.TODO(), ownerA, nil, storage.Forward))
	assert.Same(t, boom, err)
	assert.Len(t, values, 2)
}

func TestOwnedTransactionsIsLazy(t *testing.T) {
	f := newFixture(t)
	port := &failingPort{DatabasePort: f.store, at: -1}
	database := query.New(port)

	it := database.OwnedTransactions(context.TODO(), ownerA, nil, storage.Forward)
	assert.Equal(t, 0, port.loads)

	r, ok := it.Next()
	require.True(t, ok)
	require.NoError(t, r.Err)
	assert.Equal(t, 1, port.loads)

	it.Close()
	_, ok = it.Next()
	assert.False(t, ok)
	assert.Equal(t, 1, port.loads)
}

func TestOwnedTransactionsCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	database := query.New(f.store)

	it := database.OwnedTransactions(ctx, ownerA, nil, storage.Forward)
	defer it.Close()
	r, ok := it.Next()
	require.True(t, ok)
	require.NoError(t, r.Err)

	cancel()
	r, ok = it.Next()
	require.True(t, ok)
	require.ErrorIs(t, r.Err, context.Canceled)
	_, ok = it.Next()
	assert.False(t, ok)
}

func TestConcurrentReaders(t *testing.T) {
	f := newFixture(t)
	database := query.New(f.store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values, err := storage.Collect(database.OwnedTransactions(context.Background(), ownerA, nil, storage.Backward))
			assert.NoError(t, err)
			assert.Len(t, values, len(f.pointers))
		}()
	}
	wg.Wait()
}
