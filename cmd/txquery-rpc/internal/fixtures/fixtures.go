// Package fixtures loads ledger data described in YAML into the database.
//
// A fixture lists blocks, each with the transactions it included in
// execution order, plus transactions which never made it into a block:
//
//	blocks:
//	  - height: 10
//	    time: 2024-03-01T12:00:00Z
//	    transactions:
//	      - envelope: AAAAAgAAAAB...   # base64
//	        owners: [GABC...]
//	        receipts:
//	          - {kind: call, contract: GDEF..., amount: 10}
//	        status: {kind: FAILED, reason: out of gas}
//	pending:
//	  - id: 7d3c...                    # hex
//	    status: {kind: SUBMITTED, time: 2024-03-01T12:00:05Z}
//
// Transactions without an id get the blake3 hash of their envelope. Included
// transactions without a status are SUCCESS at their block's time.
package fixtures

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/db"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/transactions"
)

type Fixture struct {
	Blocks  []Block              `yaml:"blocks"`
	Pending []PendingTransaction `yaml:"pending"`
}

type Block struct {
	Height       uint32        `yaml:"height"`
	Time         time.Time     `yaml:"time"`
	Transactions []Transaction `yaml:"transactions"`
}

type Transaction struct {
	ID       string    `yaml:"id"`
	Envelope string    `yaml:"envelope"`
	FeeBump  bool      `yaml:"fee_bump"`
	Owners   []string  `yaml:"owners"`
	Receipts []Receipt `yaml:"receipts"`
	Status   *Status   `yaml:"status"`
}

type Receipt struct {
	Kind     string `yaml:"kind"`
	Contract string `yaml:"contract"`
	Amount   uint64 `yaml:"amount"`
	Data     string `yaml:"data"`
}

type Status struct {
	Kind   string    `yaml:"kind"`
	Time   time.Time `yaml:"time"`
	Reason string    `yaml:"reason"`
	Result string    `yaml:"result"`
}

type PendingTransaction struct {
	ID     string `yaml:"id"`
	Status Status `yaml:"status"`
}

// Summary counts what Load wrote.
type Summary struct {
	Transactions      int
	Pending           int
	LatestBlockHeight uint32
}

// Parse decodes a fixture, rejecting unknown fields.
func Parse(r io.Reader) (Fixture, error) {
	var fixture Fixture
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&fixture); err != nil && !errors.Is(err, io.EOF) {
		return Fixture{}, fmt.Errorf("could not decode fixture: %w", err)
	}
	return fixture, nil
}

// Load writes the fixture in a single write transaction, committed at the
// highest block height of the fixture.
func Load(ctx context.Context, logger *log.Entry, rw db.ReadWriter, fixture Fixture) (Summary, error) {
	var summary Summary
	if len(fixture.Blocks) == 0 && len(fixture.Pending) == 0 {
		return summary, errors.New("fixture is empty")
	}
	latest, err := rw.GetLatestBlockHeight(ctx)
	if err != nil && !errors.Is(err, db.ErrEmptyDB) {
		return summary, err
	}

	tx, err := rw.NewTx(ctx)
	if err != nil {
		return summary, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			logger.WithError(err).Warn("could not rollback fixture write")
		}
	}()
	writer := tx.TransactionWriter()

	for _, block := range fixture.Blocks {
		if block.Height == 0 {
			return summary, errors.New("block height must be positive")
		}
		if len(block.Transactions) > math.MaxUint16+1 {
			return summary, fmt.Errorf("block %d has too many transactions", block.Height)
		}
		for i, raw := range block.Transactions {
			pointer := transactions.NewTxPointer(block.Height, uint16(i))
			if err := loadTransaction(writer, pointer, block, raw); err != nil {
				return summary, fmt.Errorf("block %d, transaction %d: %w", block.Height, i, err)
			}
			summary.Transactions++
		}
		if block.Height > latest {
			latest = block.Height
		}
	}

	for i, raw := range fixture.Pending {
		id, err := transactions.ParseTxID(raw.ID)
		if err != nil {
			return summary, fmt.Errorf("pending transaction %d: %w", i, err)
		}
		status, err := raw.Status.toStatus(0, time.Time{})
		if err != nil {
			return summary, fmt.Errorf("pending transaction %d: %w", i, err)
		}
		if status.Included() {
			return summary, fmt.Errorf("pending transaction %d: status %s requires a block", i, status.Kind)
		}
		if err := writer.SetStatus(id, status); err != nil {
			return summary, err
		}
		summary.Pending++
	}

	if err := tx.Commit(latest); err != nil {
		return summary, err
	}
	summary.LatestBlockHeight = latest
	logger.WithField("transactions", summary.Transactions).
		WithField("pending", summary.Pending).
		WithField("latest_block", latest).
		Info("loaded fixture")
	return summary, nil
}

func loadTransaction(writer db.TransactionWriter, pointer transactions.TxPointer, block Block, raw Transaction) error {
	envelope, err := base64.StdEncoding.DecodeString(raw.Envelope)
	if err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	tx := transactions.Transaction{Envelope: envelope, FeeBump: raw.FeeBump}
	if raw.ID == "" {
		tx.ID = blake3.Sum256(envelope)
	} else if tx.ID, err = transactions.ParseTxID(raw.ID); err != nil {
		return err
	}

	owners := make([]transactions.Address, 0, len(raw.Owners))
	for _, o := range raw.Owners {
		owner, err := transactions.ParseAddress(o)
		if err != nil {
			return err
		}
		owners = append(owners, owner)
	}

	receipts := make([]transactions.Receipt, 0, len(raw.Receipts))
	for _, r := range raw.Receipts {
		receipt, err := r.toReceipt()
		if err != nil {
			return err
		}
		receipts = append(receipts, receipt)
	}

	status := Status{Kind: string(transactions.StatusSuccess)}
	if raw.Status != nil {
		status = *raw.Status
	}
	txStatus, err := status.toStatus(block.Height, block.Time)
	if err != nil {
		return err
	}
	if !txStatus.Included() {
		return fmt.Errorf("status %s is not valid for an included transaction", txStatus.Kind)
	}

	if err := writer.InsertTransaction(pointer, tx, receipts, owners); err != nil {
		return err
	}
	return writer.SetStatus(tx.ID, txStatus)
}

func (r Receipt) toReceipt() (transactions.Receipt, error) {
	receipt := transactions.Receipt{
		Kind:   transactions.ReceiptKind(r.Kind),
		Amount: r.Amount,
	}
	switch receipt.Kind {
	case transactions.ReceiptCall, transactions.ReceiptReturn, transactions.ReceiptLog,
		transactions.ReceiptTransfer, transactions.ReceiptRevert, transactions.ReceiptPanic,
		transactions.ReceiptScriptResult:
	default:
		return receipt, fmt.Errorf("unknown receipt kind %q", r.Kind)
	}
	if r.Contract != "" {
		contract, err := transactions.ParseAddress(r.Contract)
		if err != nil {
			return receipt, err
		}
		receipt.Contract = &contract
	}
	if r.Data != "" {
		data, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return receipt, fmt.Errorf("invalid receipt data: %w", err)
		}
		receipt.Data = data
	}
	return receipt, nil
}

// toStatus fills in the block height, and the time if the fixture leaves it
// out, for statuses of included transactions.
func (s Status) toStatus(blockHeight uint32, blockTime time.Time) (transactions.TransactionStatus, error) {
	var result []byte
	if s.Result != "" {
		var err error
		if result, err = base64.StdEncoding.DecodeString(s.Result); err != nil {
			return transactions.TransactionStatus{}, fmt.Errorf("invalid status result: %w", err)
		}
	}
	at := s.Time
	if at.IsZero() {
		at = blockTime
	}
	switch transactions.StatusKind(s.Kind) {
	case transactions.StatusSubmitted:
		return transactions.Submitted(at), nil
	case transactions.StatusSqueezedOut:
		return transactions.SqueezedOut(s.Reason), nil
	case transactions.StatusSuccess:
		return transactions.Success(blockHeight, at, result), nil
	case transactions.StatusFailed:
		return transactions.Failed(blockHeight, at, s.Reason, result), nil
	default:
		return transactions.TransactionStatus{}, fmt.Errorf("unknown status kind %q", s.Kind)
	}
}
