package domain

import "errors"

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidProduct       = errors.New("invalid_product")
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrOrderFailed          = errors.New("order_failed")
	ErrOrderConflict        = errors.New("order_conflict")
	ErrAlreadyEntitled      = errors.New("already_entitled")
	ErrAmountMismatch       = errors.New("amount_mismatch")
	ErrPaymentNotCaptured   = errors.New("payment_not_captured")
	ErrSignatureInvalid     = errors.New("signature_invalid")
	ErrGatewayUnavailable   = errors.New("gateway_unavailable")
	ErrGatewayRejected      = errors.New("gateway_rejected")
	ErrLedgerMutationFailed = errors.New("ledger_mutation_failed")
	ErrConfigMissing        = errors.New("config_missing")
	ErrNotReconcilable      = errors.New("order_not_reconcilable")
)
