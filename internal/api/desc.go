package api

import (
	"context"

	"google.golang.org/grpc"
)

const (
	syncServiceName         = "smsd.v1.SyncService"
	messageServiceName      = "smsd.v1.MessageService"
	conversationServiceName = "smsd.v1.ConversationService"
	accountServiceName      = "smsd.v1.AccountService"
)

// SyncServer is the server API for SyncService.
type SyncServer interface {
	Sync(context.Context, *SyncRequest) (*SyncResponse, error)
	Cancel(context.Context, *Empty) (*CancelResponse, error)
	Status(context.Context, *Empty) (*StatusResponse, error)
	WatchEvents(*WatchRequest, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

// MessageServer is the server API for MessageService.
type MessageServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
	Resend(context.Context, *ResendRequest) (*SendResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	Delete(context.Context, *DeleteMessageRequest) (*Empty, error)
}

// ConversationServer is the server API for ConversationService.
type ConversationServer interface {
	List(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	Archive(context.Context, *ConversationRequest) (*Empty, error)
	Unarchive(context.Context, *ConversationRequest) (*Empty, error)
	MarkRead(context.Context, *ConversationRequest) (*Empty, error)
	MarkUnread(context.Context, *ConversationRequest) (*Empty, error)
	Draft(context.Context, *ConversationRequest) (*DraftResponse, error)
	SetDraft(context.Context, *SetDraftRequest) (*Empty, error)
	Delete(context.Context, *ConversationRequest) (*Empty, error)
}

// AccountServer is the server API for AccountService.
type AccountServer interface {
	ListDIDs(context.Context, *ListDIDsRequest) (*ListDIDsResponse, error)
	RefreshDIDs(context.Context, *Empty) (*RefreshDIDsResponse, error)
	VerifyCredentials(context.Context, *Empty) (*Empty, error)
	ClearTombstones(context.Context, *Empty) (*ClearTombstonesResponse, error)
	Export(context.Context, *BackupRequest) (*BackupResponse, error)
	Import(context.Context, *BackupRequest) (*BackupResponse, error)
}

// unary builds the method descriptor for a request/response RPC from a
// method expression such as SyncServer.Status.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// SyncServiceDesc describes SyncService.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: syncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(syncServiceName, "Sync", SyncServer.Sync),
		unary(syncServiceName, "Cancel", SyncServer.Cancel),
		unary(syncServiceName, "Status", SyncServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).WatchEvents(in, &eventServerStream{stream})
}

type eventServerStream struct {
	grpc.ServerStream
}

func (s *eventServerStream) Send(evt *Event) error {
	return s.ServerStream.SendMsg(evt)
}

// MessageServiceDesc describes MessageService.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: messageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(messageServiceName, "Send", MessageServer.Send),
		unary(messageServiceName, "Resend", MessageServer.Resend),
		unary(messageServiceName, "ListMessages", MessageServer.ListMessages),
		unary(messageServiceName, "Delete", MessageServer.Delete),
	},
}

// ConversationServiceDesc describes ConversationService.
var ConversationServiceDesc = grpc.ServiceDesc{
	ServiceName: conversationServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(conversationServiceName, "List", ConversationServer.List),
		unary(conversationServiceName, "Archive", ConversationServer.Archive),
		unary(conversationServiceName, "Unarchive", ConversationServer.Unarchive),
		unary(conversationServiceName, "MarkRead", ConversationServer.MarkRead),
		unary(conversationServiceName, "MarkUnread", ConversationServer.MarkUnread),
		unary(conversationServiceName, "Draft", ConversationServer.Draft),
		unary(conversationServiceName, "SetDraft", ConversationServer.SetDraft),
		unary(conversationServiceName, "Delete", ConversationServer.Delete),
	},
}

// AccountServiceDesc describes AccountService.
var AccountServiceDesc = grpc.ServiceDesc{
	ServiceName: accountServiceName,
	HandlerType: (*AccountServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(accountServiceName, "ListDIDs", AccountServer.ListDIDs),
		unary(accountServiceName, "RefreshDIDs", AccountServer.RefreshDIDs),
		unary(accountServiceName, "VerifyCredentials", AccountServer.VerifyCredentials),
		unary(accountServiceName, "ClearTombstones", AccountServer.ClearTombstones),
		unary(accountServiceName, "Export", AccountServer.Export),
		unary(accountServiceName, "Import", AccountServer.Import),
	},
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&MessageServiceDesc, srv)
}

// RegisterConversationServer registers srv on s.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ConversationServiceDesc, srv)
}

// RegisterAccountServer registers srv on s.
func RegisterAccountServer(s grpc.ServiceRegistrar, srv AccountServer) {
	s.RegisterService(&AccountServiceDesc, srv)
}
