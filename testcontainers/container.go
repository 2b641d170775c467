package testcontainers

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// endpoint is a started container with its host-reachable address.
type endpoint struct {
	testcontainers.Container
	Host string
	Port int
}

// imageFor returns the image named by env, or def when env is unset.
// CI pins registry mirrors through these variables.
func imageFor(env, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}

	return def
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (*endpoint, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	p, err := strconv.Atoi(mapped.Port())
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to parse port: %w", err)
	}

	return &endpoint{Container: container, Host: host, Port: p}, nil
}
