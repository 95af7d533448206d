package reconciliation

import (
	"errors"
	"fmt"

	"github.com/revaspay/reconciler/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a transaction or order does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyConnected is returned when a transaction belongs to another order
	ErrAlreadyConnected = errors.New("transaction already connected to an order")
	// ErrAlreadyPaid is returned when a first-time payment targets a paid order
	ErrAlreadyPaid = errors.New("order already paid")
	// ErrAmbiguousMatch is returned when an amount search finds several candidates
	ErrAmbiguousMatch = errors.New("ambiguous amount match")
	// ErrInvalidAmount is returned for non-positive or malformed amounts
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrNotPending is returned when confirming a transaction that is not awaiting confirmation
	ErrNotPending = errors.New("transaction is not pending confirmation")
	// ErrAwaitingConfirmation is returned when a pending STK payment is connected outside ConfirmPending
	ErrAwaitingConfirmation = errors.New("transaction is awaiting confirmation")
	// ErrTransactionRejected is returned when connecting a transaction an admin rejected
	ErrTransactionRejected = errors.New("transaction was rejected")
	// ErrProviderTransient is a retryable provider failure such as a timeout
	ErrProviderTransient = errors.New("payment provider temporarily unavailable")
	// ErrProviderRejected is a terminal provider failure
	ErrProviderRejected = errors.New("payment provider rejected the request")
	// ErrInvalidCallbackURL is returned when the STK callback URL is not HTTPS
	ErrInvalidCallbackURL = errors.New("callback URL must use https")
)

// AmbiguousMatchError carries the candidates an admin has to choose from
type AmbiguousMatchError struct {
	Amount     decimal.Decimal
	Candidates []models.Transaction
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("%d unconnected transactions of amount %s", len(e.Candidates), e.Amount.String())
}

// Unwrap lets errors.Is match ErrAmbiguousMatch
func (e *AmbiguousMatchError) Unwrap() error {
	return ErrAmbiguousMatch
}
