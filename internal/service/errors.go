package service

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart            = errors.New("cart is empty, nothing to checkout")
	ErrNotAuthenticated     = errors.New("session is not authenticated")
	ErrRemoteUnavailable    = errors.New("remote store unavailable")
	ErrIllegalTransition    = errors.New("illegal transition of order status")
	ErrLineNotFound         = errors.New("line not found in cart")
	ErrInvalidItem          = errors.New("invalid cart item")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrOrderNotFound        = errors.New("order not found")
	ErrMirrorClosed         = errors.New("mirror is closed")
)

// ClearError reports which remote half of a clear failed. The local cart is
// already empty when it is returned.
type ClearError struct {
	CartErr   error
	OrdersErr error
}

func (e *ClearError) Error() string {
	switch {
	case e.CartErr != nil && e.OrdersErr != nil:
		return fmt.Sprintf("clear failed: remote cart: %v; pending orders: %v", e.CartErr, e.OrdersErr)
	case e.CartErr != nil:
		return fmt.Sprintf("clear partially failed: remote cart: %v", e.CartErr)
	default:
		return fmt.Sprintf("clear partially failed: pending orders: %v", e.OrdersErr)
	}
}

// Partial is true when exactly one of the two remote operations failed.
func (e *ClearError) Partial() bool {
	return (e.CartErr == nil) != (e.OrdersErr == nil)
}

func (e *ClearError) Unwrap() []error {
	var errs []error
	if e.CartErr != nil {
		errs = append(errs, e.CartErr)
	}
	if e.OrdersErr != nil {
		errs = append(errs, e.OrdersErr)
	}
	return errs
}

func remoteErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRemoteUnavailable, err)
}
