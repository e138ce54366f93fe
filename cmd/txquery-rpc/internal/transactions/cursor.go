package transactions

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/stellar/go/toid"
)

// TxPointer locates a transaction in the ledger: the height of the block
// which included it and its index within that block. Pointers are totally
// ordered by (BlockHeight, TxIndex) and double as pagination cursors.
type TxPointer struct {
	BlockHeight uint32
	TxIndex     uint16
}

func NewTxPointer(blockHeight uint32, txIndex uint16) TxPointer {
	return TxPointer{BlockHeight: blockHeight, TxIndex: txIndex}
}

// Valid reports whether the pointer can be encoded as a paging token.
func (p TxPointer) Valid() bool {
	return p.BlockHeight <= math.MaxInt32
}

// String returns the paging token of the pointer.
func (p TxPointer) String() string {
	return fmt.Sprintf(
		"%019d",
		toid.New(int32(p.BlockHeight), int32(p.TxIndex), 0).ToInt64(),
	)
}

// MarshalJSON marshals the pointer into its paging token
func (p TxPointer) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON unmarshalls a pointer from its paging token
func (p *TxPointer) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTxPointer(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseTxPointer parses a paging token produced by TxPointer.String.
func ParseTxPointer(input string) (TxPointer, error) {
	id, err := strconv.ParseInt(input, 10, 64) //lint:ignore gomnd
	if err != nil {
		return TxPointer{}, fmt.Errorf("invalid cursor %s: %w", input, err)
	}
	if id < 0 {
		return TxPointer{}, fmt.Errorf("invalid cursor %s: negative", input)
	}
	parsed := toid.Parse(id)
	if parsed.OperationOrder != 0 || parsed.TransactionOrder > math.MaxUint16 {
		return TxPointer{}, fmt.Errorf("invalid cursor %s: not a transaction pointer", input)
	}
	return TxPointer{
		BlockHeight: uint32(parsed.LedgerSequence),
		TxIndex:     uint16(parsed.TransactionOrder),
	}, nil
}

func cmp[T uint16 | uint32](a, b T) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Cmp compares two pointers.
// 0 is returned if p is equal to other.
// 1 is returned if p is greater than other.
// -1 is returned if p is less than other.
func (p TxPointer) Cmp(other TxPointer) int {
	if p.BlockHeight == other.BlockHeight {
		return cmp(p.TxIndex, other.TxIndex)
	}
	return cmp(p.BlockHeight, other.BlockHeight)
}

var (
	// MinTxPointer is the smallest possible pointer
	MinTxPointer = TxPointer{}
	// MaxTxPointer is the largest pointer which can be encoded as a paging token
	MaxTxPointer = TxPointer{
		BlockHeight: math.MaxInt32,
		TxIndex:     math.MaxUint16,
	}
)
