package staging

import "errors"

var (
	// ErrExportNotFound signals the referenced staged export does not exist.
	ErrExportNotFound = errors.New("staging: export not found")
	// ErrInvoiceNotFound signals the referenced invoice does not exist.
	ErrInvoiceNotFound = errors.New("staging: invoice not found")
	// ErrActiveExportExists signals a second non-terminal export was attempted
	// for the same invoice and destination. A conflict from the caller's
	// perspective.
	ErrActiveExportExists = errors.New("staging: active export already exists for invoice and destination")
	// ErrInvalidTransition signals an operation invoked from a status the
	// state machine does not allow it in. Wrapping errors name the current
	// status.
	ErrInvalidTransition = errors.New("staging: invalid status transition")
	// ErrValidation signals malformed parameters or export data that failed
	// structural validation. Never retried automatically.
	ErrValidation = errors.New("staging: validation failed")
	// ErrDestinationFailed signals the destination poster or rollbacker
	// failed; the export stays in its current status so the caller can retry
	// the specific operation.
	ErrDestinationFailed = errors.New("staging: destination system call failed")
	// ErrBatchNotFound signals the referenced staging batch does not exist.
	ErrBatchNotFound = errors.New("staging: batch not found")
	// ErrChainStepNotFound signals a missing or already-acted approval step.
	ErrChainStepNotFound = errors.New("staging: approval chain step not found")
)
