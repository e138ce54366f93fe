package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/stellar/go/support/db"
	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/daemon/interfaces"
)

//go:embed sqlmigrations/*.sql
var sqlMigrations embed.FS

var ErrEmptyDB = errors.New("DB is empty")

const (
	metaTableName        = "metadata"
	latestBlockHeightKey = "LatestBlockHeight"
)

type ReadWriter interface {
	NewTx(ctx context.Context) (WriteTx, error)
	GetLatestBlockHeight(ctx context.Context) (uint32, error)
}

type WriteTx interface {
	TransactionWriter() TransactionWriter

	Commit(latestBlockHeight uint32) error
	Rollback() error
}

type dbCache struct {
	latestBlockHeight uint32
	sync.RWMutex
}

type DB struct {
	db.SessionInterface
	cache *dbCache
}

const pingTimeout = 5 * time.Second

func openSQLiteDB(dbFilePath string) (*db.Session, error) {
	// 1. Use Write-Ahead Logging (WAL), readers don't block the writer.
	// 2. Disable WAL auto-checkpointing (we checkpoint with wal_checkpoint pragmas
	//    after every write transaction).
	// 3. Use synchronous=NORMAL, which is faster and still safe in WAL mode.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_wal_autocheckpoint=0&_synchronous=NORMAL", dbFilePath)
	// db.Open pings in a loop of its own; callers decide whether to retry.
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}
	session := &db.Session{DB: conn}
	if err = session.Ping(context.Background(), pingTimeout); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	if err = runSQLMigrations(session.DB.DB, "sqlite3"); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("could not run SQL migrations: %w", err)
	}
	return session, nil
}

func OpenSQLiteDBWithPrometheusMetrics(dbFilePath string, namespace string, sub db.Subservice, registry *prometheus.Registry) (*DB, error) {
	session, err := openSQLiteDB(dbFilePath)
	if err != nil {
		return nil, err
	}
	result := DB{
		SessionInterface: db.RegisterMetrics(session, namespace, sub, registry),
		cache:            &dbCache{},
	}
	return &result, nil
}

func OpenSQLiteDB(dbFilePath string) (*DB, error) {
	session, err := openSQLiteDB(dbFilePath)
	if err != nil {
		return nil, err
	}
	result := DB{
		SessionInterface: session,
		cache:            &dbCache{},
	}
	return &result, nil
}

func getMetaUint32(ctx context.Context, q db.SessionInterface, key string) (uint32, error) {
	valueStr, err := getMetaValue(ctx, q, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for key %q in table %q: %w", valueStr, key, metaTableName, err)
	}
	return uint32(value), nil
}

func setMetaUint32(q sq.BaseRunner, key string, value uint32) error {
	_, err := sq.Replace(metaTableName).
		Values(key, strconv.FormatUint(uint64(value), 10)).
		RunWith(q).
		Exec()
	return err
}

func getMetaValue(ctx context.Context, q db.SessionInterface, key string) (string, error) {
	sql := sq.Select("value").From(metaTableName).Where(sq.Eq{"key": key})
	var results []string
	if err := q.Select(ctx, &results, sql); err != nil {
		return "", err
	}
	switch len(results) {
	case 0:
		return "", ErrEmptyDB
	case 1:
		// expected length on an initialized DB
	default:
		return "", fmt.Errorf("multiple entries (%d) for key %q in table %q", len(results), key, metaTableName)
	}
	return results[0], nil
}

func getLatestBlockHeight(ctx context.Context, q db.SessionInterface, cache *dbCache) (uint32, error) {
	cache.RLock()
	cached := cache.latestBlockHeight
	cache.RUnlock()
	if cached != 0 {
		return cached, nil
	}

	result, err := getMetaUint32(ctx, q, latestBlockHeightKey)
	if err != nil {
		return 0, err
	}

	cache.Lock()
	if cache.latestBlockHeight == 0 {
		// Only fill a missing value, a concurrent commit may have stored a newer one
		cache.latestBlockHeight = result
	}
	cache.Unlock()

	return result, nil
}

type ReadWriterMetrics struct {
	TxIngestDuration, TxCount prometheus.Observer
}

type readWriter struct {
	log                  *log.Entry
	db                   *DB
	blockRetentionWindow uint32

	metrics ReadWriterMetrics
}

// NewReadWriter constructs a new readWriter instance and configures the
// retention window for how many historical blocks are kept in the database,
// hooking up metrics for the write operations.
func NewReadWriter(
	log *log.Entry,
	db *DB,
	daemon interfaces.Daemon,
	blockRetentionWindow uint32,
) ReadWriter {
	// a metric for measuring latency of transaction store operations
	txDurationMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: daemon.MetricsNamespace(), Subsystem: "transactions",
		Name:       "ingest_duration_seconds",
		Help:       "transaction store write durations, sliding window = 10m",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	},
		[]string{"operation"},
	)
	txCountMetric := prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: daemon.MetricsNamespace(), Subsystem: "transactions",
		Name:       "count",
		Help:       "count of transactions ingested, sliding window = 10m",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	daemon.MetricsRegistry().MustRegister(txDurationMetric, txCountMetric)

	return &readWriter{
		log:                  log,
		db:                   db,
		blockRetentionWindow: blockRetentionWindow,
		metrics: ReadWriterMetrics{
			TxIngestDuration: txDurationMetric.With(prometheus.Labels{"operation": "ingest"}),
			TxCount:          txCountMetric,
		},
	}
}

func (rw *readWriter) GetLatestBlockHeight(ctx context.Context) (uint32, error) {
	return getLatestBlockHeight(ctx, rw.db, rw.db.cache)
}

func (rw *readWriter) NewTx(ctx context.Context) (WriteTx, error) {
	txSession := rw.db.Clone()
	if err := txSession.Begin(ctx); err != nil {
		return nil, err
	}
	stmtCache := sq.NewStmtCache(txSession.GetTx())

	db := rw.db
	writer := writeTx{
		globalCache: db.cache,
		postCommit: func() error {
			_, err := db.ExecRaw(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
			return err
		},
		tx:                   txSession,
		stmtCache:            stmtCache,
		blockRetentionWindow: rw.blockRetentionWindow,
		txWriter: transactionHandler{
			log:       rw.log,
			db:        txSession,
			stmtCache: stmtCache,
		},
	}
	writer.txWriter.RegisterMetrics(
		rw.metrics.TxIngestDuration,
		rw.metrics.TxCount)

	return writer, nil
}

type writeTx struct {
	globalCache          *dbCache
	postCommit           func() error
	tx                   db.SessionInterface
	stmtCache            *sq.StmtCache
	txWriter             transactionHandler
	blockRetentionWindow uint32
}

func (w writeTx) TransactionWriter() TransactionWriter {
	return &w.txWriter
}

func (w writeTx) Commit(latestBlockHeight uint32) error {
	if err := w.txWriter.trimTransactions(latestBlockHeight, w.blockRetentionWindow); err != nil {
		return err
	}
	if err := setMetaUint32(w.stmtCache, latestBlockHeightKey, latestBlockHeight); err != nil {
		return err
	}

	// The cache update has to be atomic with the commit, otherwise a write
	// transaction finishing in between could leave the cache behind the DB.
	commitAndUpdateCache := func() error {
		w.globalCache.Lock()
		defer w.globalCache.Unlock()
		if err := w.tx.Commit(); err != nil {
			return err
		}
		w.globalCache.latestBlockHeight = latestBlockHeight
		return nil
	}
	if err := commitAndUpdateCache(); err != nil {
		return err
	}

	return w.postCommit()
}

func (w writeTx) Rollback() error {
	// errors.New("not in transaction") is returned when rolling back a transaction which has
	// already been committed or rolled back. We can ignore those errors
	// because we allow rolling back after commits in defer statements.
	if err := w.tx.Rollback(); err == nil || err.Error() == "not in transaction" {
		return nil
	} else {
		return err
	}
}

func runSQLMigrations(db *sql.DB, dialect string) error {
	m := &migrate.AssetMigrationSource{
		Asset: sqlMigrations.ReadFile,
		AssetDir: func() func(string) ([]string, error) {
			return func(path string) ([]string, error) {
				dirEntry, err := sqlMigrations.ReadDir(path)
				if err != nil {
					return nil, err
				}
				entries := make([]string, 0)
				for _, e := range dirEntry {
					entries = append(entries, e.Name())
				}

				return entries, nil
			}
		}(),
		Dir: "sqlmigrations",
	}
	_, err := migrate.ExecMax(db, dialect, m, migrate.Up, 0)
	return err
}
