package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voipsms/smsd/internal/config"
	"github.com/voipsms/smsd/internal/store"
	"github.com/voipsms/smsd/internal/voipms"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Account is the part of the gateway that manages the provider account.
type Account interface {
	ListDIDs(ctx context.Context) ([]voipms.DID, error)
	VerifyCredentials(ctx context.Context) error
}

// AccountService implements AccountServer.
type AccountService struct {
	db      *store.DB
	cfg     *config.Provider
	account Account
	logger  *zap.Logger
}

// NewAccountService creates a new account service.
func NewAccountService(db *store.DB, cfg *config.Provider, account Account, logger *zap.Logger) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{db: db, cfg: cfg, account: account, logger: logger}
}

// ListDIDs returns the configured DIDs and, on request, the SMS-enabled
// numbers of the account that are not configured yet.
func (s *AccountService) ListDIDs(ctx context.Context, req *ListDIDsRequest) (*ListDIDsResponse, error) {
	resp := &ListDIDsResponse{}
	index := map[string]int{}
	for _, d := range s.cfg.Settings().DIDs {
		index[d.Number] = len(resp.DIDs)
		resp.DIDs = append(resp.DIDs, DIDInfo{
			Number:     d.Number,
			Retrieve:   d.Retrieve,
			Send:       d.Send,
			Show:       d.Show,
			Configured: true,
		})
	}
	if !req.Remote {
		return resp, nil
	}

	remote, err := s.account.ListDIDs(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	for _, d := range remote {
		if i, ok := index[d.Number]; ok {
			resp.DIDs[i].Description = d.Description
			continue
		}
		if d.SMSEnabled {
			resp.DIDs = append(resp.DIDs, DIDInfo{Number: d.Number, Description: d.Description})
		}
	}
	return resp, nil
}

// RefreshDIDs adds the account's SMS-enabled numbers to the config and
// removes stored messages of DIDs that are no longer configured.
func (s *AccountService) RefreshDIDs(ctx context.Context, _ *Empty) (*RefreshDIDsResponse, error) {
	remote, err := s.account.ListDIDs(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	var numbers []string
	for _, d := range remote {
		if d.SMSEnabled {
			numbers = append(numbers, d.Number)
		}
	}
	added, err := s.cfg.AddDIDs(numbers)
	if err != nil {
		return nil, toStatus(err)
	}

	var keep []string
	for _, d := range s.cfg.Settings().DIDs {
		keep = append(keep, d.Number)
	}
	pruned, err := s.db.PruneDIDs(ctx, keep)
	if err != nil {
		return nil, toStatus(err)
	}
	if pruned > 0 {
		s.logger.Info("pruned messages of unconfigured DIDs", zap.Int64("messages", pruned))
	}
	return &RefreshDIDsResponse{Added: added, Pruned: pruned}, nil
}

func (s *AccountService) VerifyCredentials(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.account.VerifyCredentials(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *AccountService) ClearTombstones(ctx context.Context, _ *Empty) (*ClearTombstonesResponse, error) {
	n, err := s.db.ClearTombstones(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("cleared tombstones", zap.Int64("count", n))
	return &ClearTombstonesResponse{Cleared: n}, nil
}

// Export writes a copy of the message database to req.Path.
func (s *AccountService) Export(ctx context.Context, req *BackupRequest) (_ *BackupResponse, err error) {
	if !filepath.IsAbs(req.Path) {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "path %q must be absolute", req.Path)
	}
	f, err := os.OpenFile(req.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, toStatus(err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = toStatus(closeErr)
		}
	}()

	if err := s.db.Export(ctx, f); err != nil {
		return nil, toStatus(fmt.Errorf("export: %w", err))
	}
	info, err := f.Stat()
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("exported database", zap.String("path", req.Path), zap.Int64("bytes", info.Size()))
	return &BackupResponse{Path: req.Path, Bytes: info.Size()}, nil
}

// Import replaces the message database with the file at req.Path.
func (s *AccountService) Import(ctx context.Context, req *BackupRequest) (*BackupResponse, error) {
	if !filepath.IsAbs(req.Path) {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "path %q must be absolute", req.Path)
	}
	f, err := os.Open(req.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, grpcstatus.Errorf(codes.NotFound, "%s does not exist", req.Path)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.db.Import(ctx, f); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "import: %v", err)
	}
	s.logger.Info("imported database", zap.String("path", req.Path))
	return &BackupResponse{Path: req.Path, Bytes: info.Size()}, nil
}
