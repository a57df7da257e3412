package api

import (
	"context"

	"github.com/voipsms/smsd/internal/outbox"
	"github.com/voipsms/smsd/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// MessageService implements MessageServer.
type MessageService struct {
	db     *store.DB
	sender *outbox.Sender
}

// NewMessageService creates a new message service.
func NewMessageService(db *store.DB, sender *outbox.Sender) *MessageService {
	return &MessageService{db: db, sender: sender}
}

// Send queues the text on the outbox worker and waits for the delivery
// outcome. Segment failures are reported in the result, not as an error.
func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	conv, err := req.Conversation.ID()
	if err != nil {
		return nil, toStatus(err)
	}
	done, err := s.sender.Enqueue(conv, req.Text)
	if err != nil {
		return nil, toStatus(err)
	}
	return wait(ctx, done)
}

func (s *MessageService) Resend(ctx context.Context, req *ResendRequest) (*SendResponse, error) {
	if req.ID <= 0 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "message id is required")
	}
	done, err := s.sender.EnqueueResend(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return wait(ctx, done)
}

func wait(ctx context.Context, done <-chan outbox.Outcome) (*SendResponse, error) {
	select {
	case out := <-done:
		if out.Result == nil {
			return nil, toStatus(out.Err)
		}
		return &SendResponse{Result: out.Result}, nil
	case <-ctx.Done():
		// The job keeps running; its outcome is published on the bus.
		return nil, toStatus(ctx.Err())
	}
}

func (s *MessageService) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	conv, err := req.Conversation.ID()
	if err != nil {
		return nil, toStatus(err)
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}

	msgs, err := s.db.ListMessages(ctx, conv, req.Before, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListMessagesResponse{Messages: msgs}
	if len(msgs) == limit {
		next := store.CursorOf(msgs[len(msgs)-1])
		resp.Next = &next
	}
	return resp, nil
}

func (s *MessageService) Delete(ctx context.Context, req *DeleteMessageRequest) (*Empty, error) {
	if err := s.db.DeleteMessage(ctx, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}
