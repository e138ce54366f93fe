package transactions

import "time"

type StatusKind string

const (
	// StatusSubmitted indicates the transaction was accepted into the pool and
	// has not been included in a block yet.
	StatusSubmitted StatusKind = "SUBMITTED"
	// StatusSuccess indicates the transaction was included in a block and it
	// was executed without errors.
	StatusSuccess StatusKind = "SUCCESS"
	// StatusSqueezedOut indicates the transaction was dropped from the pool
	// before it could be included in a block.
	StatusSqueezedOut StatusKind = "SQUEEZED_OUT"
	// StatusFailed indicates the transaction was included in a block and it
	// was executed with an error.
	StatusFailed StatusKind = "FAILED"
)

func (k StatusKind) Valid() bool {
	switch k {
	case StatusSubmitted, StatusSuccess, StatusSqueezedOut, StatusFailed:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a transaction. Which of the
// remaining fields are meaningful depends on Kind:
//
//	SUBMITTED     Time
//	SUCCESS       BlockHeight, Time, Result
//	SQUEEZED_OUT  Reason
//	FAILED        BlockHeight, Time, Reason, Result
type TransactionStatus struct {
	Kind        StatusKind
	BlockHeight uint32
	Time        time.Time
	Reason      string
	Result      []byte // XDR encoded xdr.TransactionResult
}

func Submitted(at time.Time) TransactionStatus {
	return TransactionStatus{Kind: StatusSubmitted, Time: at}
}

func Success(blockHeight uint32, at time.Time, result []byte) TransactionStatus {
	return TransactionStatus{Kind: StatusSuccess, BlockHeight: blockHeight, Time: at, Result: result}
}

func SqueezedOut(reason string) TransactionStatus {
	return TransactionStatus{Kind: StatusSqueezedOut, Reason: reason}
}

func Failed(blockHeight uint32, at time.Time, reason string, result []byte) TransactionStatus {
	return TransactionStatus{Kind: StatusFailed, BlockHeight: blockHeight, Time: at, Reason: reason, Result: result}
}

// Included reports whether the transaction made it into a block.
func (s TransactionStatus) Included() bool {
	return s.Kind == StatusSuccess || s.Kind == StatusFailed
}
