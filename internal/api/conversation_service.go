package api

import (
	"context"

	"github.com/voipsms/smsd/internal/config"
	"github.com/voipsms/smsd/internal/store"
)

// ConversationService implements ConversationServer.
type ConversationService struct {
	db  *store.DB
	cfg *config.Provider
}

// NewConversationService creates a new conversation service.
func NewConversationService(db *store.DB, cfg *config.Provider) *ConversationService {
	return &ConversationService{db: db, cfg: cfg}
}

// List returns the conversations of the DIDs marked visible.
func (s *ConversationService) List(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	dids := s.cfg.VisibleDIDs()
	if len(dids) == 0 {
		return &ListConversationsResponse{}, nil
	}
	summaries, err := s.db.ListConversations(ctx, store.ConversationQuery{
		DIDs:        dids,
		Filter:      req.Filter,
		ContactName: s.cfg.ContactName,
		Archived:    req.Archived,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &ListConversationsResponse{Conversations: make([]ConversationItem, 0, len(summaries))}
	for _, sum := range summaries {
		resp.Conversations = append(resp.Conversations, ConversationItem{
			ConversationSummary: sum,
			ContactName:         s.cfg.ContactName(sum.Conversation.Contact),
		})
	}
	return resp, nil
}

func (s *ConversationService) Archive(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	return s.apply(ctx, req, s.db.Archive)
}

func (s *ConversationService) Unarchive(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	return s.apply(ctx, req, s.db.Unarchive)
}

func (s *ConversationService) MarkRead(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	return s.apply(ctx, req, s.db.MarkRead)
}

func (s *ConversationService) MarkUnread(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	return s.apply(ctx, req, s.db.MarkUnread)
}

func (s *ConversationService) Delete(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	return s.apply(ctx, req, s.db.DeleteConversation)
}

func (s *ConversationService) Draft(ctx context.Context, req *ConversationRequest) (*DraftResponse, error) {
	conv, err := req.Conversation.ID()
	if err != nil {
		return nil, toStatus(err)
	}
	text, err := s.db.Draft(ctx, conv)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DraftResponse{Text: text}, nil
}

// SetDraft stores the draft; empty text removes it.
func (s *ConversationService) SetDraft(ctx context.Context, req *SetDraftRequest) (*Empty, error) {
	conv, err := req.Conversation.ID()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.db.SetDraft(ctx, conv, req.Text); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ConversationService) apply(ctx context.Context, req *ConversationRequest, fn func(context.Context, store.ConversationID) error) (*Empty, error) {
	conv, err := req.Conversation.ID()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := fn(ctx, conv); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}
