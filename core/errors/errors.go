package errors

import stderrors "errors"

var (
	ErrChannelNotFound     = stderrors.New("channels: channel not found")
	ErrDuplicateChannel    = stderrors.New("channels: open channel already exists for participant pair")
	ErrInvalidTransition   = stderrors.New("channels: invalid status transition")
	ErrChannelInactive     = stderrors.New("channels: channel not active")
	ErrChannelFrozen       = stderrors.New("channels: channel frozen pending reconciliation")
	ErrUnknownParticipant  = stderrors.New("ledger: participant not in channel")
	ErrInvalidAmount       = stderrors.New("ledger: transfer amount must be positive")
	ErrInsufficientBalance = stderrors.New("ledger: insufficient balance")
	ErrLedgerCorrupted     = stderrors.New("ledger: balance conservation violated")
	ErrAuthFailed          = stderrors.New("clearing: signature verification failed")
	ErrAlreadyProcessed    = stderrors.New("settlement: settlement already processed")
	ErrSubmissionFailed    = stderrors.New("settlement: submission failed")
	ErrNoBalance           = stderrors.New("vault: no balance to withdraw")
)
