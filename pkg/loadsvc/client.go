package loadsvc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client errors.
var (
	ErrNoEndpoint = errors.New("loadsvc endpoint is required")
	ErrClosed     = errors.New("loadsvc client closed")
)

// Default client configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 30 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive
	// responses.
	DefaultKeepaliveTimeout = 10 * time.Second

	// DefaultMaxMessageSize bounds replies and image payloads (512MB);
	// whole binaries travel in requests.
	DefaultMaxMessageSize = 512 * 1024 * 1024
)

// ClientConfig holds the configuration for the preflight client.
type ClientConfig struct {
	// Endpoint is the gRPC endpoint (host:port). Required.
	Endpoint string

	// UseTLS enables TLS for the connection.
	UseTLS bool

	// MaxMessageSize bounds sent and received messages; 0 means the
	// default.
	MaxMessageSize int

	// KeepaliveTime and KeepaliveTimeout tune connection keepalive;
	// zero values mean the defaults.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// Client is a preflight service client. Safe for concurrent use,
// including Close racing in-flight calls.
type Client struct {
	conn   *grpc.ClientConn
	closed atomic.Bool
}

// Dial connects to a preflight server.
func Dial(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.KeepaliveTime == 0 {
		cfg.KeepaliveTime = DefaultKeepaliveTime
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}

	creds := insecure.NewCredentials()
	if cfg.UseTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	conn, err := grpc.Dial(cfg.Endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}
	return &Client{conn: conn}, nil
}

// NewClientFromConn wraps an existing connection, for in-process tests.
func NewClientFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Check runs a preflight for the given request.
func (c *Client) Check(ctx context.Context, req *CheckRequest) (*CheckReply, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	reply := &CheckReply{}
	if err := c.conn.Invoke(ctx, checkMethod, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Close tears the connection down. Later calls are no-ops; a Check that
// slips past the closed gate fails on the closed connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
