package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/voipsms/smsd/internal/api"
	"github.com/voipsms/smsd/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpcstatus "google.golang.org/grpc/status"
)

// ErrSocketInUse is returned when another process answers on the socket.
var ErrSocketInUse = errors.New("daemon socket in use")

// Services are the gRPC services exposed on the control socket.
type Services struct {
	fx.In

	Sync         *api.SyncService
	Message      *api.MessageService
	Conversation *api.ConversationService
	Account      *api.AccountService
}

// Server serves the control API on the session's Unix socket.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

func NewServer(p Params, logger *zap.Logger, svc Services) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.For(p.SessionName).Socket()
	}
	listener, err := listenSocket(socketPath)
	if err != nil {
		return nil, err
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(logCalls(logger)),
		grpc.ChainStreamInterceptor(logStreams(logger)),
	)
	api.RegisterSyncServer(srv, svc.Sync)
	api.RegisterMessageServer(srv, svc.Message)
	api.RegisterConversationServer(srv, svc.Conversation)
	api.RegisterAccountServer(srv, svc.Account)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// listenSocket binds path with owner-only permissions. A socket file left
// behind by a dead daemon is replaced; a live one is refused.
func listenSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return listener, nil
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("control socket listening", zap.String("socket", s.socketPath))
	err := s.grpcServer.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop drains in-flight calls and removes the socket file. Open WatchEvents
// streams are cut when ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control socket closing")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	_ = os.Remove(s.socketPath)
}

// logCalls logs failed calls at warn level and the rest at debug level.
func logCalls(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logResult(logger, info.FullMethod, start, err)
		return resp, err
	}
}

func logStreams(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("stream opened", zap.String("method", info.FullMethod))
		err := handler(srv, ss)
		logResult(logger, info.FullMethod, start, err)
		return err
	}
}

func logResult(logger *zap.Logger, method string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		fields = append(fields, zap.Stringer("code", grpcstatus.Code(err)), zap.Error(err))
		logger.Warn("rpc failed", fields...)
		return
	}
	logger.Debug("rpc", fields...)
}
