package workerrpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/Will-Luck/elastic-driver/internal/elastic"
)

// GRPCClientFactory builds elastic.WorkerClient stubs by dialing the
// worker's advertised address over gRPC (spec.md §6's
// RegisterWorkerServer contract). It implements elastic.WorkerClientFactory.
type GRPCClientFactory struct {
	// DialTimeout bounds how long NewClient waits for the connection to
	// become ready. Defaults to 5s.
	DialTimeout time.Duration

	// TransportCredentials overrides the transport security used to dial
	// workers. Defaults to an insecure channel, since worker processes in
	// this setup are reachable only on a private training network; a
	// production deployment should supply real TLS credentials here.
	TransportCredentials credentials.TransportCredentials

	Log *slog.Logger
}

// NewClient implements elastic.WorkerClientFactory. It dials addresses[0]
// and attaches a per-RPC JWT derived from secretKey, so the worker can
// verify the notification came from the driver that holds its secret.
func (f *GRPCClientFactory) NewClient(addresses []string, secretKey string) (elastic.WorkerClient, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("workerrpc: no addresses to dial")
	}

	signingKey := signingKeyFromSecret(secretKey)

	transportCreds := f.TransportCredentials
	if transportCreds == nil {
		transportCreds = insecure.NewCredentials()
	}

	dialTimeout := f.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addresses[0],
		grpc.WithTransportCredentials(transportCreds),
		grpc.WithPerRPCCredentials(perRPCToken{
			signingKey:    signingKey,
			allowInsecure: true,
		}),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("workerrpc: dial %s: %w", addresses[0], err)
	}

	if f.Log != nil {
		f.Log.Debug("registered worker notification client", "address", addresses[0])
	}

	return &GRPCClient{
		address: addresses[0],
		conn:    conn,
		client:  newNotifyClient(conn),
	}, nil
}

// GRPCClient implements elastic.WorkerClient over a real gRPC connection.
type GRPCClient struct {
	address string
	conn    *grpc.ClientConn
	client  *notifyClient
}

// NotifyHostsUpdated implements elastic.WorkerClient.
func (c *GRPCClient) NotifyHostsUpdated(ctx context.Context, epochSeconds int64) error {
	_, err := c.client.NotifyHostsUpdated(ctx, timestamppb.New(time.Unix(epochSeconds, 0)))
	if err != nil {
		return fmt.Errorf("notify %s of host change: %w", c.address, err)
	}
	return nil
}

// Close releases the underlying connection. The driver does not currently
// call this (worker clients are memoized for the process lifetime), but it
// is provided for callers that want to tear down a client explicitly, e.g.
// in tests.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
