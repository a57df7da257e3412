// Package outbox moves user-authored messages from intent to a confirmed or
// failed delivery state.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/voipsms/smsd/internal/bus"
	"github.com/voipsms/smsd/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrEmptyMessage is returned when there is no text to send.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendDisabled is returned when sending is turned off for the DID.
	ErrSendDisabled = errors.New("sending is disabled for this DID")
	// ErrNotRunning is returned by Enqueue when the worker is not started.
	ErrNotRunning = errors.New("outbox worker is not running")
)

// Gateway sends one SMS and returns the provider message id.
type Gateway interface {
	SendMessage(ctx context.Context, did, dst, text string) (int64, error)
}

// Config supplies the send settings.
type Config interface {
	CanSend(did string) bool
	MaxMessageBytes() int
}

// SegmentResult is the outcome of one provisional row.
type SegmentResult struct {
	ID         int64  `json:"id"`
	ProviderID int64  `json:"provider_id,omitempty"`
	Err        error  `json:"-"`
	Error      string `json:"error,omitempty"`
}

// Result aggregates the segments of one send.
type Result struct {
	Conversation store.ConversationID `json:"conversation"`
	Segments     []SegmentResult      `json:"segments"`
}

// Err joins the segment errors; nil when every segment was sent.
func (r *Result) Err() error {
	var errs []error
	for _, s := range r.Segments {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", s.ID, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Sent reports how many segments were confirmed.
func (r *Result) Sent() int {
	n := 0
	for _, s := range r.Segments {
		if s.Err == nil {
			n++
		}
	}
	return n
}

// Sender inserts provisional rows, calls the gateway and records the outcome.
type Sender struct {
	db      *store.DB
	gateway Gateway
	cfg     Config
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	jobs    chan job
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, gateway Gateway, cfg Config, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		gateway: gateway,
		cfg:     cfg,
		bus:     b,
		logger:  logger,
	}
}

// SendText splits text, stores every segment as a provisional outgoing
// message and sends them in order. A failed segment does not stop the
// following ones. The returned error is non-nil when nothing could be
// stored, or when at least one segment failed; the Result is returned in
// the latter case too.
func (s *Sender) SendText(ctx context.Context, conv store.ConversationID, text string) (*Result, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if s.cfg != nil && !s.cfg.CanSend(conv.DID) {
		return nil, fmt.Errorf("%w: %s", ErrSendDisabled, conv.DID)
	}

	maxBytes := DefaultMaxBytes
	if s.cfg != nil && s.cfg.MaxMessageBytes() > 0 {
		maxBytes = s.cfg.MaxMessageBytes()
	}
	segments := Split(text, maxBytes)

	ids, err := s.db.InsertProvisionalOutgoingBatch(ctx, conv, segments)
	if err != nil {
		return nil, fmt.Errorf("insert provisional messages: %w", err)
	}
	if err := s.db.SetDraft(ctx, conv, ""); err != nil {
		s.logger.Warn("failed to clear draft", zap.Stringer("conversation", conv), zap.Error(err))
	}
	s.bus.Publish(bus.NewEvent(bus.MessageQueued, map[string]string{
		"conversation": conv.String(),
		"segments":     strconv.Itoa(len(ids)),
	}))

	result := &Result{Conversation: conv}
	for i, id := range ids {
		result.Segments = append(result.Segments, s.deliver(ctx, id, conv, segments[i]))
	}
	return result, result.Err()
}

// Resend retries a FAILED message: it re-enters the delivery in progress
// state and is sent again.
func (s *Sender) Resend(ctx context.Context, id int64) (*Result, error) {
	m, err := s.db.Message(ctx, id)
	if err != nil {
		return nil, err
	}
	conv := m.Conversation()
	if s.cfg != nil && !s.cfg.CanSend(conv.DID) {
		return nil, fmt.Errorf("%w: %s", ErrSendDisabled, conv.DID)
	}
	if err := s.db.MarkDeliveryInProgress(ctx, id); err != nil {
		return nil, err
	}

	result := &Result{Conversation: conv}
	result.Segments = append(result.Segments, s.deliver(ctx, id, conv, m.Text))
	return result, result.Err()
}

// deliver sends one provisional row and records SENT or FAILED.
func (s *Sender) deliver(ctx context.Context, id int64, conv store.ConversationID, text string) SegmentResult {
	res := SegmentResult{ID: id}

	providerID, err := s.gateway.SendMessage(ctx, conv.DID, conv.Contact, text)
	if err != nil {
		s.logger.Error("failed to send message", zap.Int64("id", id), zap.Stringer("conversation", conv), zap.Error(err))
		if markErr := s.db.MarkFailed(context.WithoutCancel(ctx), id); markErr != nil {
			s.logger.Error("failed to mark message failed", zap.Int64("id", id), zap.Error(markErr))
			err = errors.Join(err, markErr)
		}
		res.Err = err
		res.Error = err.Error()
		s.bus.Publish(bus.NewEvent(bus.MessageSendFailed, map[string]string{
			"id":           strconv.FormatInt(id, 10),
			"conversation": conv.String(),
			"error":        err.Error(),
		}))
		return res
	}

	res.ProviderID = providerID
	if err := s.db.MarkSent(context.WithoutCancel(ctx), id, providerID); err != nil {
		s.logger.Error("failed to mark message sent", zap.Int64("id", id), zap.Int64("provider_id", providerID), zap.Error(err))
		res.Err = err
		res.Error = err.Error()
		return res
	}

	s.logger.Info("message sent", zap.Int64("id", id), zap.Int64("provider_id", providerID))
	s.bus.Publish(bus.NewEvent(bus.MessageSendAck, map[string]string{
		"id":           strconv.FormatInt(id, 10),
		"provider_id":  strconv.FormatInt(providerID, 10),
		"conversation": conv.String(),
	}))
	return res
}
