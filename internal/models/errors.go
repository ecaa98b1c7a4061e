package models

import "errors"

var (
	ErrInvalidAmount       = errors.New("transfer amount must be positive")
	ErrSameAccount         = errors.New("cannot transfer to the same account")
	ErrUnauthorized        = errors.New("requester does not own the source account")
	ErrInvalidCredential   = errors.New("invalid account credential")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountInactive     = errors.New("account is not active")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrAlreadyRefunded     = errors.New("transfer group already refunded")
)
