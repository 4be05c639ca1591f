package wrapper

import "errors"

var (
	ErrTooManyWords         = errors.New("numWords too high")
	ErrGasLimitTooBig       = errors.New("callback gas limit too big")
	ErrInvalidConfirmations = errors.New("request confirmations out of range")
	ErrGasPriceTooLow       = errors.New("gas price below current network price")
	ErrInsufficientFunds    = errors.New("insufficient funds for request")
	ErrUnknownRequest       = errors.New("unknown request")
	ErrAlreadyFulfilled     = errors.New("request already fulfilled")
	ErrWordCountMismatch    = errors.New("random word count mismatch")
)
