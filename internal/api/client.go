package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the daemon services over one connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(CallOption()),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. Calls select the JSON codec
// themselves.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, out, CallOption()); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	return invoke[SyncResponse](ctx, c, syncServiceName, "Sync", req)
}

func (c *Client) CancelSync(ctx context.Context) (*CancelResponse, error) {
	return invoke[CancelResponse](ctx, c, syncServiceName, "Cancel", &Empty{})
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, syncServiceName, "Status", &Empty{})
}

// WatchEvents calls fn for every event until the stream ends, ctx is done
// or fn returns an error. A stream closed by the server returns nil.
func (c *Client) WatchEvents(ctx context.Context, req *WatchRequest, fn func(*Event) error) error {
	stream, err := c.conn.NewStream(ctx, &SyncServiceDesc.Streams[0], "/"+syncServiceName+"/WatchEvents", CallOption())
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(Event)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, messageServiceName, "Send", req)
}

func (c *Client) Resend(ctx context.Context, id int64) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, messageServiceName, "Resend", &ResendRequest{ID: id})
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, messageServiceName, "ListMessages", req)
}

func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	_, err := invoke[Empty](ctx, c, messageServiceName, "Delete", &DeleteMessageRequest{ID: id})
	return err
}

func (c *Client) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, conversationServiceName, "List", req)
}

// Conversation calls one of Archive, Unarchive, MarkRead, MarkUnread or
// Delete on ConversationService.
func (c *Client) Conversation(ctx context.Context, method string, conv Conversation) error {
	_, err := invoke[Empty](ctx, c, conversationServiceName, method, &ConversationRequest{Conversation: conv})
	return err
}

func (c *Client) Draft(ctx context.Context, conv Conversation) (string, error) {
	resp, err := invoke[DraftResponse](ctx, c, conversationServiceName, "Draft", &ConversationRequest{Conversation: conv})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *Client) SetDraft(ctx context.Context, conv Conversation, text string) error {
	_, err := invoke[Empty](ctx, c, conversationServiceName, "SetDraft", &SetDraftRequest{Conversation: conv, Text: text})
	return err
}

func (c *Client) ListDIDs(ctx context.Context, remote bool) (*ListDIDsResponse, error) {
	return invoke[ListDIDsResponse](ctx, c, accountServiceName, "ListDIDs", &ListDIDsRequest{Remote: remote})
}

func (c *Client) RefreshDIDs(ctx context.Context) (*RefreshDIDsResponse, error) {
	return invoke[RefreshDIDsResponse](ctx, c, accountServiceName, "RefreshDIDs", &Empty{})
}

func (c *Client) VerifyCredentials(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, accountServiceName, "VerifyCredentials", &Empty{})
	return err
}

func (c *Client) ClearTombstones(ctx context.Context) (*ClearTombstonesResponse, error) {
	return invoke[ClearTombstonesResponse](ctx, c, accountServiceName, "ClearTombstones", &Empty{})
}

func (c *Client) Export(ctx context.Context, path string) (*BackupResponse, error) {
	return invoke[BackupResponse](ctx, c, accountServiceName, "Export", &BackupRequest{Path: path})
}

func (c *Client) Import(ctx context.Context, path string) (*BackupResponse, error) {
	return invoke[BackupResponse](ctx, c, accountServiceName, "Import", &BackupRequest{Path: path})
}
