package api

import (
	"context"
	"errors"

	"github.com/voipsms/smsd/internal/outbox"
	"github.com/voipsms/smsd/internal/phone"
	"github.com/voipsms/smsd/internal/status"
	"github.com/voipsms/smsd/internal/store"
	intsync "github.com/voipsms/smsd/internal/sync"
	"github.com/voipsms/smsd/internal/voipms"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps a domain error to a gRPC status error. The message is the
// text shown to the user.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}

	var syncErr *intsync.SyncError
	if errors.As(err, &syncErr) {
		return grpcstatus.Error(syncCode(syncErr.Kind), syncErr.UserMessage())
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, phone.ErrInvalidNumber),
		errors.Is(err, outbox.ErrEmptyMessage):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, outbox.ErrSendDisabled):
		return grpcstatus.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, status.ErrInvalidTransition):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, intsync.ErrSyncInProgress):
		return grpcstatus.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, outbox.ErrNotRunning), errors.Is(err, store.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, voipms.ErrInvalidCredentials):
		return grpcstatus.Error(codes.Unauthenticated, voipms.UserMessage(err))
	case errors.Is(err, voipms.ErrNetwork):
		return grpcstatus.Error(codes.Unavailable, voipms.UserMessage(err))
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}

	var apiErr *voipms.APIError
	if errors.As(err, &apiErr) || errors.Is(err, voipms.ErrParse) {
		return grpcstatus.Error(codes.Unknown, voipms.UserMessage(err))
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func syncCode(kind intsync.ErrorKind) codes.Code {
	switch kind {
	case intsync.KindNetwork:
		return codes.Unavailable
	case intsync.KindCancelled:
		return codes.Canceled
	case intsync.KindConfig:
		return codes.FailedPrecondition
	case intsync.KindDatabase:
		return codes.Internal
	}
	return codes.Unknown
}
