package testcontainers

import (
	"context"
	"net"
	"strconv"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	redisPort     = "6379"
	redisImage    = "redis:7-alpine"
	redisImageEnv = "HERMES_TEST_REDIS_IMAGE"
)

// RedisConfig holds the address of the test Redis instance.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// RedisContainer is a running Redis container.
type RedisContainer struct {
	*endpoint
	Password string
}

// NewRedisContainer starts Redis and waits until it accepts connections.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        imageFor(redisImageEnv, redisImage),
		ExposedPorts: []string{redisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	ep, err := startContainer(ctx, req, redisPort)
	if err != nil {
		return nil, err
	}

	return &RedisContainer{endpoint: ep}, nil
}

// Address returns the Redis address in host:port format.
func (c *RedisContainer) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
