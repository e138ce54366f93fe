package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellar/go/support/db"
	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/daemon/interfaces"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/query"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/storage"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

const (
	transactionTableName       = "transactions"
	receiptsTableName          = "receipts"
	transactionStatusTableName = "transaction_status"
	ownedTransactionsTableName = "owned_transactions"

	DefaultOwnedTransactionsPageSize = 100
)

// TransactionWriter is used during ingestion to write transactions and their
// indexes.
type TransactionWriter interface {
	// InsertTransaction stores an included transaction with its receipts and
	// adds it to the owner index of every owner.
	InsertTransaction(
		pointer transactions.TxPointer,
		tx transactions.Transaction,
		receipts []transactions.Receipt,
		owners []transactions.Address,
	) error
	SetStatus(id transactions.TxID, status transactions.TransactionStatus) error
	// DeleteTransaction removes the transaction with its receipts, status and
	// owner index entries. Deleting an unknown id is not an error.
	DeleteTransaction(id transactions.TxID) error
	RegisterMetrics(ingest, count prometheus.Observer)
}

// TransactionReader provides all the public ways to read from the DB.
type TransactionReader interface {
	query.DatabasePort
	GetBlockRange(ctx context.Context) (BlockRange, error)
}

// BlockRange is the interval of block heights with transactions in the DB.
type BlockRange struct {
	FirstBlock uint32
	LastBlock  uint32
}

type transactionHandler struct {
	log       *log.Entry
	db        db.SessionInterface
	stmtCache *sq.StmtCache
	pageSize  uint64

	ingestMetric, countMetric prometheus.Observer
	readMetric                *prometheus.SummaryVec
}

// NewTransactionReader returns a reader whose owner enumerations fetch
// pageSize index entries per query.
//
// Every read is its own statement: an owner enumeration and the lookups made
// while consuming it do not share a snapshot, so a transaction trimmed in
// between shows up as a storage.NotFound at its position.
func NewTransactionReader(log *log.Entry, db db.SessionInterface, daemon interfaces.Daemon, pageSize uint) TransactionReader {
	if pageSize == 0 {
		pageSize = DefaultOwnedTransactionsPageSize
	}
	readMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: daemon.MetricsNamespace(), Subsystem: "transactions",
		Name:       "read_duration_seconds",
		Help:       "transaction store read durations, sliding window = 10m",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	},
		[]string{"operation"},
	)
	daemon.MetricsRegistry().MustRegister(readMetric)
	return &transactionHandler{log: log, db: db, pageSize: uint64(pageSize), readMetric: readMetric}
}

func (txn *transactionHandler) observeRead(operation string, start time.Time) {
	if txn.readMetric != nil {
		txn.readMetric.With(prometheus.Labels{"operation": operation}).Observe(time.Since(start).Seconds())
	}
}

func (txn *transactionHandler) InsertTransaction(
	pointer transactions.TxPointer,
	tx transactions.Transaction,
	receipts []transactions.Receipt,
	owners []transactions.Address,
) error {
	start := time.Now()
	defer func() {
		if txn.ingestMetric != nil {
			txn.ingestMetric.Observe(time.Since(start).Seconds())
			txn.countMetric.Observe(1)
		}
	}()

	if txn.stmtCache == nil {
		return errors.New("TransactionWriter incorrectly initialized without stmtCache")
	}
	if !pointer.Valid() {
		return fmt.Errorf("block height %d exceeds %d", pointer.BlockHeight, math.MaxInt32)
	}
	if receipts == nil {
		receipts = []transactions.Receipt{}
	}
	envelope := tx.Envelope
	if envelope == nil {
		envelope = []byte{}
	}
	encodedReceipts, err := cbor.Marshal(receipts)
	if err != nil {
		return fmt.Errorf("couldn't encode receipts of tx %s: %w", tx.ID.HexString(), err)
	}

	_, err = sq.Insert(transactionTableName).
		Columns("id", "block_height", "tx_index", "envelope", "fee_bump").
		Values(tx.ID[:], pointer.BlockHeight, pointer.TxIndex, envelope, tx.FeeBump).
		RunWith(txn.stmtCache).
		Exec()
	if err != nil {
		return fmt.Errorf("couldn't insert tx %s: %w", tx.ID.HexString(), err)
	}

	_, err = sq.Insert(receiptsTableName).
		Columns("tx_id", "receipts").
		Values(tx.ID[:], encodedReceipts).
		RunWith(txn.stmtCache).
		Exec()
	if err != nil {
		return fmt.Errorf("couldn't insert receipts of tx %s: %w", tx.ID.HexString(), err)
	}

	if len(owners) > 0 {
		indexQ := sq.Insert(ownedTransactionsTableName).
			Columns("owner", "block_height", "tx_index", "tx_id")
		seen := make(map[transactions.Address]struct{}, len(owners))
		for _, owner := range owners {
			// sender and receiver may be the same account
			if _, ok := seen[owner]; ok {
				continue
			}
			seen[owner] = struct{}{}
			owner := owner
			indexQ = indexQ.Values(owner[:], pointer.BlockHeight, pointer.TxIndex, tx.ID[:])
		}
		if _, err = indexQ.RunWith(txn.stmtCache).Exec(); err != nil {
			return fmt.Errorf("couldn't index owners of tx %s: %w", tx.ID.HexString(), err)
		}
	}

	txn.log.
		WithField("txhash", tx.ID.HexString()).
		WithField("pointer", pointer.String()).
		WithField("owners", len(owners)).
		WithField("duration", time.Since(start)).
		Debug("Ingested transaction")
	return nil
}

func (txn *transactionHandler) SetStatus(id transactions.TxID, status transactions.TransactionStatus) error {
	if txn.stmtCache == nil {
		return errors.New("TransactionWriter incorrectly initialized without stmtCache")
	}
	if !status.Kind.Valid() {
		return fmt.Errorf("invalid status kind %q for tx %s", status.Kind, id.HexString())
	}
	var blockHeight *uint32
	if status.Included() {
		blockHeight = &status.BlockHeight
	}
	var at *int64
	if !status.Time.IsZero() {
		nanos := status.Time.UnixNano()
		at = &nanos
	}
	var reason *string
	if status.Reason != "" {
		reason = &status.Reason
	}
	_, err := sq.Replace(transactionStatusTableName).
		Columns("tx_id", "kind", "block_height", "time", "reason", "result").
		Values(id[:], string(status.Kind), blockHeight, at, reason, status.Result).
		RunWith(txn.stmtCache).
		Exec()
	return err
}

func (txn *transactionHandler) DeleteTransaction(id transactions.TxID) error {
	if txn.stmtCache == nil {
		return errors.New("TransactionWriter incorrectly initialized without stmtCache")
	}
	deletes := []struct {
		table, column string
	}{
		{receiptsTableName, "tx_id"},
		{transactionStatusTableName, "tx_id"},
		{ownedTransactionsTableName, "tx_id"},
		{transactionTableName, "id"},
	}
	for _, d := range deletes {
		_, err := sq.StatementBuilder.
			RunWith(txn.stmtCache).
			Delete(d.table).
			Where(sq.Eq{d.column: id[:]}).
			Exec()
		if err != nil {
			return fmt.Errorf("couldn't delete tx %s from %q: %w", id.HexString(), d.table, err)
		}
	}
	txn.log.WithField("txhash", id.HexString()).Debug("Deleted transaction")
	return nil
}

func (txn *transactionHandler) RegisterMetrics(ingest, count prometheus.Observer) {
	txn.ingestMetric = ingest
	txn.countMetric = count
}

// trimTransactions removes all transactions which fall outside the block
// retention window, together with their receipts, statuses and owner index
// entries. A zero window keeps everything.
func (txn *transactionHandler) trimTransactions(latestBlockHeight uint32, retentionWindow uint32) error {
	if retentionWindow == 0 || latestBlockHeight+1 <= retentionWindow {
		return nil
	}

	cutoff := latestBlockHeight + 1 - retentionWindow
	trimmed := sq.Select("id").From(transactionTableName).Where(sq.Lt{"block_height": cutoff})
	for _, table := range []string{receiptsTableName, transactionStatusTableName} {
		_, err := sq.StatementBuilder.
			RunWith(txn.stmtCache).
			Delete(table).
			Where(sq.Expr("tx_id IN (?)", trimmed)).
			Exec()
		if err != nil {
			return fmt.Errorf("couldn't trim table %q: %w", table, err)
		}
	}
	for _, table := range []string{ownedTransactionsTableName, transactionTableName} {
		_, err := sq.StatementBuilder.
			RunWith(txn.stmtCache).
			Delete(table).
			Where(sq.Lt{"block_height": cutoff}).
			Exec()
		if err != nil {
			return fmt.Errorf("couldn't trim table %q: %w", table, err)
		}
	}
	return nil
}

// GetBlockRange pulls the min/max block heights from the transactions table.
func (txn *transactionHandler) GetBlockRange(ctx context.Context) (BlockRange, error) {
	var blockRange BlockRange

	var heights struct {
		MinBlockHeight *uint32 `db:"min_block_height"`
		MaxBlockHeight *uint32 `db:"max_block_height"`
	}
	minMaxSQL := sq.
		Select("MIN(block_height) AS min_block_height, MAX(block_height) AS max_block_height").
		From(transactionTableName)
	if err := txn.db.Get(ctx, &heights, minMaxSQL); err != nil {
		return blockRange, fmt.Errorf("couldn't query block range: %w", err)
	}

	// Empty DB
	if heights.MinBlockHeight == nil || heights.MaxBlockHeight == nil {
		return blockRange, nil
	}
	blockRange.FirstBlock = *heights.MinBlockHeight
	blockRange.LastBlock = *heights.MaxBlockHeight
	return blockRange, nil
}

func (txn *transactionHandler) GetTransaction(ctx context.Context, id transactions.TxID) (
	transactions.Transaction, bool, error,
) {
	defer txn.observeRead("get_transaction", time.Now())

	var rows []struct {
		Envelope []byte `db:"envelope"`
		FeeBump  bool   `db:"fee_bump"`
	}
	rowQ := sq.
		Select("envelope", "fee_bump").
		From(transactionTableName).
		Where(sq.Eq{"id": id[:]}).
		Limit(1)
	if err := txn.db.Select(ctx, &rows, rowQ); err != nil {
		return transactions.Transaction{}, false,
			fmt.Errorf("db read failed for txhash %s: %w", id.HexString(), err)
	} else if len(rows) < 1 {
		return transactions.Transaction{}, false, nil
	}

	return transactions.Transaction{
		ID:       id,
		Envelope: rows[0].Envelope,
		FeeBump:  rows[0].FeeBump,
	}, true, nil
}

func (txn *transactionHandler) GetReceipts(ctx context.Context, id transactions.TxID) (
	[]transactions.Receipt, bool, error,
) {
	defer txn.observeRead("get_receipts", time.Now())

	var rows [][]byte
	rowQ := sq.
		Select("receipts").
		From(receiptsTableName).
		Where(sq.Eq{"tx_id": id[:]}).
		Limit(1)
	if err := txn.db.Select(ctx, &rows, rowQ); err != nil {
		return nil, false, fmt.Errorf("db read failed for receipts of txhash %s: %w", id.HexString(), err)
	} else if len(rows) < 1 {
		return nil, false, nil
	}

	receipts := []transactions.Receipt{}
	if err := cbor.Unmarshal(rows[0], &receipts); err != nil {
		return nil, false, fmt.Errorf("couldn't decode receipts of txhash %s: %w", id.HexString(), err)
	}
	if receipts == nil {
		receipts = []transactions.Receipt{}
	}
	return receipts, true, nil
}

func (txn *transactionHandler) TxStatus(ctx context.Context, id transactions.TxID) (
	transactions.TransactionStatus, error,
) {
	defer txn.observeRead("tx_status", time.Now())

	var rows []struct {
		Kind        string  `db:"kind"`
		BlockHeight *uint32 `db:"block_height"`
		Time        *int64  `db:"time"`
		Reason      *string `db:"reason"`
		Result      []byte  `db:"result"`
	}
	rowQ := sq.
		Select("kind", "block_height", "time", "reason", "result").
		From(transactionStatusTableName).
		Where(sq.Eq{"tx_id": id[:]}).
		Limit(1)
	if err := txn.db.Select(ctx, &rows, rowQ); err != nil {
		return transactions.TransactionStatus{},
			fmt.Errorf("db read failed for status of txhash %s: %w", id.HexString(), err)
	} else if len(rows) < 1 {
		return transactions.TransactionStatus{}, storage.NotFound(storage.TransactionStatuses)
	}

	row := rows[0]
	status := transactions.TransactionStatus{
		Kind:   transactions.StatusKind(row.Kind),
		Result: row.Result,
	}
	if row.BlockHeight != nil {
		status.BlockHeight = *row.BlockHeight
	}
	if row.Time != nil {
		status.Time = time.Unix(0, *row.Time).UTC()
	}
	if row.Reason != nil {
		status.Reason = *row.Reason
	}
	return status, nil
}

// OwnedTransactionIDs pages through the owner index with keyset pagination,
// pageSize entries per query, fetching the next page only once the previous
// one has been consumed. No statement stays open between calls to Next.
//
// A failed page query is yielded once and ends the sequence, as does a
// cancelled context.
func (txn *transactionHandler) OwnedTransactionIDs(
	ctx context.Context,
	owner transactions.Address,
	start *transactions.TxPointer,
	direction storage.Direction,
) storage.Iterator[transactions.OwnedTransactionID] {
	it := &ownedTransactionIDsIterator{
		txn:       txn,
		ctx:       ctx,
		owner:     owner,
		direction: direction,
	}
	if start != nil {
		cursor := *start
		it.cursor = &cursor
	}
	return storage.NewIterator(it.next, nil)
}

type ownedTransactionIDsIterator struct {
	txn       *transactionHandler
	ctx       context.Context
	owner     transactions.Address
	direction storage.Direction
	cursor    *transactions.TxPointer

	page      []transactions.OwnedTransactionID
	exhausted bool
	done      bool
}

func (it *ownedTransactionIDsIterator) next() (storage.Result[transactions.OwnedTransactionID], bool) {
	if it.done {
		return storage.Result[transactions.OwnedTransactionID]{}, false
	}
	if err := it.ctx.Err(); err != nil {
		it.stop()
		return storage.Fail[transactions.OwnedTransactionID](err), true
	}
	if len(it.page) == 0 {
		if it.exhausted {
			it.stop()
			return storage.Result[transactions.OwnedTransactionID]{}, false
		}
		page, err := it.txn.ownedTransactionIDsPage(it.ctx, it.owner, it.cursor, it.direction)
		if err != nil {
			it.stop()
			return storage.Fail[transactions.OwnedTransactionID](err), true
		}
		if uint64(len(page)) < it.txn.pageSize {
			it.exhausted = true
		}
		if len(page) == 0 {
			it.stop()
			return storage.Result[transactions.OwnedTransactionID]{}, false
		}
		it.page = page
	}

	entry := it.page[0]
	it.page = it.page[1:]
	it.cursor = &entry.Pointer
	return storage.Ok(entry), true
}

func (it *ownedTransactionIDsIterator) stop() {
	it.page = nil
	it.done = true
}

func (txn *transactionHandler) ownedTransactionIDsPage(
	ctx context.Context,
	owner transactions.Address,
	cursor *transactions.TxPointer,
	direction storage.Direction,
) ([]transactions.OwnedTransactionID, error) {
	defer txn.observeRead("owned_transaction_ids", time.Now())

	rowQ := sq.
		Select("block_height", "tx_index", "tx_id").
		From(ownedTransactionsTableName).
		Where(sq.Eq{"owner": owner[:]}).
		Limit(txn.pageSize)

	switch direction {
	case storage.Backward:
		if cursor != nil {
			rowQ = rowQ.Where(sq.Or{
				sq.Lt{"block_height": cursor.BlockHeight},
				sq.And{sq.Eq{"block_height": cursor.BlockHeight}, sq.Lt{"tx_index": cursor.TxIndex}},
			})
		}
		rowQ = rowQ.OrderBy("block_height DESC", "tx_index DESC")
	default:
		if cursor != nil {
			rowQ = rowQ.Where(sq.Or{
				sq.Gt{"block_height": cursor.BlockHeight},
				sq.And{sq.Eq{"block_height": cursor.BlockHeight}, sq.Gt{"tx_index": cursor.TxIndex}},
			})
		}
		rowQ = rowQ.OrderBy("block_height ASC", "tx_index ASC")
	}

	var rows []struct {
		BlockHeight uint32 `db:"block_height"`
		TxIndex     uint16 `db:"tx_index"`
		TxID        []byte `db:"tx_id"`
	}
	if err := txn.db.Select(ctx, &rows, rowQ); err != nil {
		return nil, fmt.Errorf("db read failed for transactions of owner %s: %w", owner.String(), err)
	}

	page := make([]transactions.OwnedTransactionID, 0, len(rows))
	for _, row := range rows {
		entry := transactions.OwnedTransactionID{
			Pointer: transactions.NewTxPointer(row.BlockHeight, row.TxIndex),
		}
		if len(row.TxID) != len(entry.ID) {
			return nil, fmt.Errorf("corrupted owner index entry at %s: tx id has %d bytes",
				entry.Pointer.String(), len(row.TxID))
		}
		copy(entry.ID[:], row.TxID)
		page = append(page, entry)
	}
	return page, nil
}
