package service

import "errors"

var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrWalletExists          = errors.New("wallet already exists")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrWalletNotActive       = errors.New("wallet is not active")
	ErrInsufficientFunds     = errors.New("insufficient available funds")
	ErrInsufficientHeldFunds = errors.New("insufficient held funds")
	ErrInvalidReleaseAmount  = errors.New("release exceeds held funds")

	ErrSessionNotFound        = errors.New("session not found")
	ErrInvalidStateTransition = errors.New("invalid session state transition")
	ErrParticipantNotFound    = errors.New("participant not found")
	ErrParticipantExists      = errors.New("participant role already taken for session")
	ErrProfileNotFound        = errors.New("astrologer profile not found")
	ErrTransactionNotFound    = errors.New("wallet transaction not found")
)
