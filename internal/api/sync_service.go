package api

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/voipsms/smsd/internal/bus"
	"github.com/voipsms/smsd/internal/status"
	"github.com/voipsms/smsd/internal/store"
	intsync "github.com/voipsms/smsd/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// watchBuffer is the per-stream event backlog; slower clients miss events.
const watchBuffer = 256

// SyncService implements SyncServer.
type SyncService struct {
	engine      *intsync.Engine
	scheduler   *intsync.Scheduler
	machine     *status.Machine
	db          *store.DB
	bus         *bus.Bus
	sessionName string
	logger      *zap.Logger
}

// NewSyncService creates a new sync service. scheduler may be nil.
func NewSyncService(engine *intsync.Engine, scheduler *intsync.Scheduler, machine *status.Machine, db *store.DB, b *bus.Bus, sessionName string, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		engine:      engine,
		scheduler:   scheduler,
		machine:     machine,
		db:          db,
		bus:         b,
		sessionName: sessionName,
		logger:      logger,
	}
}

func (s *SyncService) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	opts := intsync.Options{ForceRecentOnly: req.RecentOnly}
	if req.Async {
		// Start claims the cycle before returning, so Started is exact.
		if err := s.engine.Start(ctx, opts); err != nil {
			return nil, toStatus(err)
		}
		return &SyncResponse{Started: true}, nil
	}

	result, err := s.engine.Sync(ctx, opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SyncResponse{Started: true, Result: result}, nil
}

func (s *SyncService) Cancel(_ context.Context, _ *Empty) (*CancelResponse, error) {
	return &CancelResponse{Cancelled: s.engine.Cancel()}, nil
}

func (s *SyncService) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	snap := s.machine.Snapshot()
	resp := &StatusResponse{
		Session:    s.sessionName,
		PID:        os.Getpid(),
		State:      string(snap.State),
		StateSince: snap.Since,
		Detail:     snap.Detail,
		Progress:   s.engine.Progress(),
	}
	last, err := s.engine.Reconciler().LastFullSync(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp.LastFullSync = last
	if s.scheduler != nil {
		resp.NextSync = s.scheduler.NextRun()
	}
	convs, err := s.db.ConversationIDs(ctx, nil)
	if err != nil {
		return nil, toStatus(err)
	}
	resp.Conversations = len(convs)
	return resp, nil
}

// watchNamespaces are the event families a client may watch.
var watchNamespaces = []string{"sync.", "message.", "notify.", "daemon."}

func (s *SyncService) WatchEvents(req *WatchRequest, stream EventStream) error {
	namespaces := req.Namespaces
	if len(namespaces) == 0 {
		namespaces = watchNamespaces
	}
	for _, ns := range namespaces {
		if ns == "" {
			return grpcstatus.Errorf(codes.InvalidArgument, "empty namespace")
		}
	}

	ch, unsub := s.bus.Subscribe(watchBuffer, namespaces...)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("drop unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *SyncService) envelope(evt bus.Event) (*Event, error) {
	env := &Event{
		ID:         uuid.New().String(),
		Session:    s.sessionName,
		Kind:       evt.Kind,
		OccurredAt: evt.Timestamp,
	}
	if evt.Payload != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		env.Payload = payload
	}
	return env, nil
}
