package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/voipsms/smsd/internal/voipms"
)

// ErrSyncInProgress is returned when a sync is requested while another one
// is running.
var ErrSyncInProgress = errors.New("a sync is already in progress")

// ErrNoDIDs is returned when no DID is enabled for retrieval.
var ErrNoDIDs = errors.New("no DIDs are enabled for retrieval")

// ErrorKind classifies why a sync cycle stopped.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindParse     ErrorKind = "parse"
	KindAPI       ErrorKind = "api"
	KindDatabase  ErrorKind = "database"
	KindCancelled ErrorKind = "cancelled"
	KindConfig    ErrorKind = "config"
)

// SyncError is the single error reported for a failed cycle.
type SyncError struct {
	Kind ErrorKind
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s error: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// UserMessage returns the text shown to the user for this failure.
func (e *SyncError) UserMessage() string {
	switch e.Kind {
	case KindNetwork, KindParse, KindAPI:
		return voipms.UserMessage(e.Err)
	case KindDatabase:
		return "the local message database could not be updated"
	case KindCancelled:
		return "synchronization was cancelled"
	case KindConfig:
		return e.Err.Error()
	}
	return e.Err.Error()
}

// gatewayError classifies an error returned by the gateway.
func gatewayError(err error) *SyncError {
	var apiErr *voipms.APIError
	switch {
	case errors.As(err, &apiErr):
		return &SyncError{Kind: KindAPI, Err: err}
	case errors.Is(err, voipms.ErrParse):
		return &SyncError{Kind: KindParse, Err: err}
	case errors.Is(err, context.Canceled):
		return &SyncError{Kind: KindCancelled, Err: err}
	default:
		return &SyncError{Kind: KindNetwork, Err: err}
	}
}
