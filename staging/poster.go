package staging

import "context"

// PostResult is what a destination system hands back after accepting data.
type PostResult struct {
	PostedData  map[string]any
	ExportJobID string
}

// DestinationPoster delivers approved export data to an external destination
// system (QuickBooks, SAP, generic webhook). The orchestrator calls it at
// most once per successful post operation.
type DestinationPoster interface {
	Post(ctx context.Context, data map[string]any, destination string, format ExportFormat, externalReference string) (PostResult, error)
}

// DestinationRollbacker reverses a previously posted export at the
// destination. A returned error means the rollback did not happen.
type DestinationRollbacker interface {
	Rollback(ctx context.Context, destination, externalReference, reason string) error
}
