package transactions

import (
	"encoding/hex"
	"fmt"

	"github.com/stellar/go/strkey"
	"github.com/stellar/go/xdr"
)

// TxID is the hash identifying a transaction.
type TxID = xdr.Hash

// ParseTxID decodes a hex encoded transaction hash.
func ParseTxID(s string) (TxID, error) {
	var id TxID
	if hex.DecodedLen(len(s)) != len(id) {
		return id, fmt.Errorf("unexpected hash length (%d)", len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("incorrect hash: %w", err)
	}
	return id, nil
}

// Address is the ed25519 public key of a transaction owner.
type Address [32]byte

// ParseAddress decodes a G... account strkey.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := strkey.Decode(strkey.VersionByteAccountID, s)
	if err != nil {
		return a, fmt.Errorf("invalid owner address %q: %w", s, err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("invalid owner address %q: unexpected length %d", s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string {
	return strkey.MustEncode(strkey.VersionByteAccountID, a[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Transaction is an immutable ledger record.
type Transaction struct {
	ID       TxID
	Envelope []byte // XDR encoded xdr.TransactionEnvelope
	FeeBump  bool
}

type ReceiptKind string

const (
	ReceiptCall         ReceiptKind = "call"
	ReceiptReturn       ReceiptKind = "return"
	ReceiptLog          ReceiptKind = "log"
	ReceiptTransfer     ReceiptKind = "transfer"
	ReceiptRevert       ReceiptKind = "revert"
	ReceiptPanic        ReceiptKind = "panic"
	ReceiptScriptResult ReceiptKind = "script_result"
)

// Receipt is one record produced while executing a transaction. The receipts
// of a transaction are kept in execution order.
type Receipt struct {
	Kind     ReceiptKind `cbor:"1,keyasint" json:"kind"`
	Contract *Address    `cbor:"2,keyasint,omitempty" json:"contract,omitempty"`
	Amount   uint64      `cbor:"3,keyasint,omitempty" json:"amount,omitempty"`
	Data     []byte      `cbor:"4,keyasint,omitempty" json:"data,omitempty"`
}

// OwnedTransactionID is an entry of the owner index.
type OwnedTransactionID struct {
	Pointer TxPointer
	ID      TxID
}

// OwnedTransaction is an owner index entry hydrated with its transaction.
type OwnedTransaction struct {
	Pointer     TxPointer
	Transaction Transaction
}
