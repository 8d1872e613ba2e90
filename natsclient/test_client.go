package natsclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient wraps a NATS container and a connected Client for tests.
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
	cleanup   func()
}

// testConfig holds configuration for test container creation
type testConfig struct {
	natsVersion  string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures the test container.
type TestOption func(*testConfig)

// WithNATSVersion sets the NATS server image version.
func WithNATSVersion(version string) TestOption {
	return func(cfg *testConfig) {
		cfg.natsVersion = version
	}
}

// WithTestTimeout sets the client connect timeout.
func WithTestTimeout(d time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = d
	}
}

// WithStartTimeout sets how long to wait for the container to report healthy.
func WithStartTimeout(d time.Duration) TestOption {
	return func(cfg *testConfig) {
		cfg.startTimeout = d
	}
}

func defaultTestConfig() *testConfig {
	return &testConfig{
		natsVersion:  "2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
}

func startTestContainer(ctx context.Context, cfg *testConfig) (*TestClient, error) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:" + cfg.natsVersion,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd: []string{
			"--port", "4222",
			"--http_port", "8222",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url,
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0), // No reconnects in tests
	)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if err := client.WaitForConnection(connectCtx); err != nil {
		_ = client.Close(context.Background()) // Best effort cleanup on error path
		container.Terminate(ctx)
		return nil, fmt.Errorf("NATS connection not ready: %w", err)
	}

	return &TestClient{
		container: container,
		Client:    client,
		URL:       url,
		cleanup: func() {
			_ = client.Close(context.Background())        // Best effort test cleanup
			_ = container.Terminate(context.Background()) // Best effort test cleanup
		},
	}, nil
}

// NewTestClient starts a NATS container and returns a connected client.
// Cleanup is registered on the test. Accepts testing.TB so it works with
// both *testing.T and *testing.B.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	cfg := defaultTestConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	tc, err := startTestContainer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to start NATS test container: %v", err)
	}
	t.Cleanup(tc.cleanup)

	return tc
}

var (
	sharedTestClient *TestClient
	sharedTestErr    error
	sharedTestOnce   sync.Once
)

// NewSharedTestClient returns a NATS container shared across the test
// binary. The container is started on first use and never terminated;
// the process exit reclaims it. Tests that need isolation should use
// NewTestClient instead.
func NewSharedTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	sharedTestOnce.Do(func() {
		cfg := defaultTestConfig()
		for _, opt := range opts {
			opt(cfg)
		}
		sharedTestClient, sharedTestErr = startTestContainer(context.Background(), cfg)
	})

	if sharedTestErr != nil {
		t.Fatalf("Failed to start shared NATS test container: %v", sharedTestErr)
	}
	return sharedTestClient
}
