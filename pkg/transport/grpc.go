package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/zde37/kadnet/pkg"
	"github.com/zde37/kadnet/pkg/kademlia"
	"github.com/zde37/kadnet/pkg/wire"
)

var _ kademlia.Transport = (*GRPCTransport)(nil)

const (
	serviceName   = "kadnet.Transport"
	deliverMethod = "/" + serviceName + "/Deliver"

	defaultMaxMessageSize = 4 * 1024 * 1024 // 4MB
)

// deliverer is the server side of the transport service.
type deliverer interface {
	Deliver(ctx context.Context, env *wire.Envelope) (*wire.Ack, error)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kadnet/transport",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverer).Deliver(ctx, req.(*wire.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCConfig configures a GRPCTransport.
type GRPCConfig struct {
	// ListenAddress is the host:port to listen on. Port 0 picks a free port.
	ListenAddress string
	// AdvertiseAddress is the address peers use to reach this node.
	// Defaults to the bound listen address.
	AdvertiseAddress string
	// AuthToken is the shared secret for node-to-node calls. Empty disables
	// authentication.
	AuthToken string
	// MaxMessageSize bounds encoded envelopes. Defaults to 4MB.
	MaxMessageSize int
}

// GRPCTransport sends each message as a unary Deliver call. Replies are
// separate Deliver calls in the other direction.
type GRPCTransport struct {
	*Dispatcher

	config GRPCConfig
	logger *pkg.Logger

	address  string
	server   *grpc.Server
	listener net.Listener

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	handlers sync.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
}

// NewGRPCTransport creates a transport. Call Start before use.
func NewGRPCTransport(cfg GRPCConfig, logger *pkg.Logger) (*GRPCTransport, error) {
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("listen address cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	return &GRPCTransport{
		Dispatcher:  NewDispatcher(logger),
		config:      cfg,
		logger:      logger.Component("grpc_transport"),
		address:     cfg.AdvertiseAddress,
		connections: make(map[string]*grpc.ClientConn),
	}, nil
}

// Start begins listening.
func (t *GRPCTransport) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", t.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	t.listener = listener
	if t.address == "" {
		t.address = listener.Addr().String()
	}

	t.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(t.config.MaxMessageSize),
		grpc.MaxSendMsgSize(t.config.MaxMessageSize),
		grpc.UnaryInterceptor(AuthInterceptor(t.config.AuthToken)),
	)
	t.server.RegisterService(&transportServiceDesc, t)

	t.logger.Info().
		Str("listen", listener.Addr().String()).
		Str("address", t.address).
		Msg("Starting gRPC transport")

	go func() {
		if err := t.server.Serve(listener); err != nil {
			t.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// LocalAddress returns the advertised address. It is only known after Start
// when no AdvertiseAddress was configured.
func (t *GRPCTransport) LocalAddress() string {
	return t.address
}

// Deliver implements the server side of the transport service.
func (t *GRPCTransport) Deliver(ctx context.Context, env *wire.Envelope) (*wire.Ack, error) {
	if t.closed.Load() {
		return nil, status.Error(codes.Unavailable, "transport closed")
	}
	if env.From == "" {
		return nil, status.Error(codes.InvalidArgument, "sender address cannot be empty")
	}
	if err := env.Message.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	received := time.Now()
	t.handlers.Add(1)
	go func() {
		defer t.handlers.Done()
		t.Dispatch(env.From, env.Message, received)
	}()

	return &wire.Ack{Accepted: true}, nil
}

func (t *GRPCTransport) getConnection(address string) (*grpc.ClientConn, error) {
	t.connMu.RLock()
	conn, exists := t.connections[address]
	t.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = t.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(AuthClientInterceptor(t.config.AuthToken)),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(t.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(t.config.MaxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	t.connections[address] = newConn
	t.logger.Debug().Str("address", address).Msg("Created new gRPC connection")
	return newConn, nil
}

// Send delivers msg to the node at address.
func (t *GRPCTransport) Send(ctx context.Context, address string, msg *wire.Message) error {
	if t.closed.Load() {
		return pkg.ErrShutdown
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	conn, err := t.getConnection(address)
	if err != nil {
		return err
	}

	var ack wire.Ack
	env := &wire.Envelope{From: t.address, Message: msg}
	if err := conn.Invoke(ctx, deliverMethod, env, &ack); err != nil {
		return fmt.Errorf("deliver to %s failed: %w", address, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("deliver to %s: not accepted", address)
	}
	return nil
}

// Request sends msg and waits for its reply.
func (t *GRPCTransport) Request(ctx context.Context, address string, msg *wire.Message) (*wire.Message, error) {
	return t.Dispatcher.Request(ctx, msg, func() error {
		return t.Send(ctx, address, msg)
	})
}

// Close stops the server and closes all client connections.
func (t *GRPCTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.logger.Info().Msg("Stopping gRPC transport")

	if t.server != nil {
		t.server.GracefulStop()
	}
	t.handlers.Wait()

	t.connMu.Lock()
	defer t.connMu.Unlock()

	var errs error
	for address, conn := range t.connections {
		if err := conn.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", address, err))
		}
	}
	t.connections = make(map[string]*grpc.ClientConn)
	return errs
}
