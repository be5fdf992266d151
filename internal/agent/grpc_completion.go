package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompleteMethod is the full gRPC method name of the remote completion call.
// Request and response are google.protobuf.Struct values:
//
//	request:  {"messages": [{"role": "user", "content": "..."}]}
//	response: {"text": "..."}
const CompleteMethod = "/coursegen.v1.CompletionService/Complete"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcCompletion calls a remote completion service over gRPC.
type GrpcCompletion struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcCompletionConfig holds configuration for the gRPC client.
type GrpcCompletionConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcCompletionConfig returns default configuration.
func DefaultGrpcCompletionConfig() GrpcCompletionConfig {
	return GrpcCompletionConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcCompletion connects to the completion service and waits until the
// connection is ready so bad endpoints fail at startup.
func NewGrpcCompletion(cfg GrpcCompletionConfig, logger *slog.Logger) (*GrpcCompletion, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcCompletionConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create completion client", goerr.V("address", cfg.Address))
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, goerr.Wrap(ErrProviderUnavailable, "completion service not ready",
			goerr.V("address", cfg.Address), goerr.V("cause", err.Error()))
	}

	logger.Info("Connected to completion service", "address", cfg.Address)

	return &GrpcCompletion{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return goerr.Wrap(errConnectionStateUnchanged, "wait for ready", goerr.V("state", state.String()))
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcCompletion) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Complete sends the conversation to the remote service.
func (c *GrpcCompletion) Complete(ctx context.Context, messages []Message) (string, error) {
	items := make([]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	req, err := structpb.NewStruct(map[string]any{"messages": items})
	if err != nil {
		return "", goerr.Wrap(err, "failed to build completion request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CompleteMethod, req, resp); err != nil {
		c.logger.Warn("Completion call failed", "address", c.addr, "error", err)
		return "", classifyRPCError(err)
	}

	text, ok := resp.GetFields()["text"]
	if !ok {
		return "", goerr.Wrap(ErrProviderError, "completion response has no text field")
	}
	if _, isString := text.GetKind().(*structpb.Value_StringValue); !isString {
		return "", goerr.Wrap(ErrProviderError, "completion text is not a string")
	}
	return text.GetStringValue(), nil
}

func classifyRPCError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return goerr.Wrap(ErrProviderUnavailable, "completion call failed", goerr.V("cause", err.Error()))
	default:
		return goerr.Wrap(ErrProviderError, "completion call failed", goerr.V("cause", err.Error()))
	}
}
