package fetch

import (
	"errors"
	"fmt"

	"github.com/paywatch/statesync/api"
	"github.com/paywatch/statesync/pkg/payment"
)

// TransientError covers everything worth retrying on the next tick:
// connection failures, timeouts, 5xx responses, and malformed bodies.
// It never changes the session's last snapshot.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retriable on the next tick.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BlockedError signals a semantic blocking condition reported by the
// gateway. It implements api.TerminalError so the poll controller applies
// the blocking state and stops permanently.
type BlockedError struct {
	PaymentID string
	Code      payment.Code
	State     payment.State
	Message   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("payment %s blocked: %s (%s)", e.PaymentID, e.State, e.Code)
}

// TerminalResult folds the blocking condition into a terminal payment view.
func (e *BlockedError) TerminalResult() api.Result {
	return &PaymentStatus{
		ID:      e.PaymentID,
		State:   e.State,
		Message: e.Message,
	}
}
