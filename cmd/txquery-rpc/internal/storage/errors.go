package storage

import (
	"errors"
	"fmt"
)

// Kind names the table a lookup was made against.
type Kind string

const (
	Transactions        Kind = "Transactions"
	Receipts            Kind = "Receipts"
	TransactionStatuses Kind = "TransactionStatuses"
)

// ErrNotFound matches every NotFoundError regardless of its kind.
var ErrNotFound = errors.New("not found")

// NotFoundError reports that no entry of the given kind exists for a key.
type NotFoundError struct {
	Kind Kind
}

func NotFound(kind Kind) error {
	return &NotFoundError{Kind: kind}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource of type %s was not found", e.Kind)
}

func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	other, ok := target.(*NotFoundError)
	return ok && other.Kind == e.Kind
}

// IsNotFound reports whether err is a NotFoundError and, if so, for which kind.
func IsNotFound(err error) (Kind, bool) {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.Kind, true
	}
	return "", false
}
