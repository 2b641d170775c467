package testcontainers

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresPort      = "5432"
	postgresImage     = "postgres:16-alpine"
	postgresImageEnv  = "HERMES_TEST_POSTGRES_IMAGE"
	defaultUser       = "hermes"
	defaultPassword   = "hermes"
	defaultDatabase   = "hermes_test"
	postgresReadyLine = "database system is ready to accept connections"
)

// hermesTables lists the tables created by the download migrations, in an
// order TRUNCATE accepts with CASCADE.
var hermesTables = []string{"download_history", "webhooks", "downloads"}

// PostgresConfig describes the test database. DSN is ready for
// postgres.Connect and the migration runner.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	DSN      string
}

// PostgresContainer is a running PostgreSQL container seeded with the
// Hermes role and database.
type PostgresContainer struct {
	*endpoint
	User     string
	Password string
	Database string
}

// NewPostgresContainer starts PostgreSQL. The image entrypoint restarts the
// server once after init, so readiness waits for the second ready line.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        imageFor(postgresImageEnv, postgresImage),
		ExposedPorts: []string{postgresPort + "/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     defaultUser,
			"POSTGRES_PASSWORD": defaultPassword,
			"POSTGRES_DB":       defaultDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog(postgresReadyLine).WithOccurrence(2),
			wait.ForListeningPort(postgresPort+"/tcp"),
		),
	}

	ep, err := startContainer(ctx, req, postgresPort)
	if err != nil {
		return nil, err
	}

	return &PostgresContainer{
		endpoint: ep,
		User:     defaultUser,
		Password: defaultPassword,
		Database: defaultDatabase,
	}, nil
}

// DSN returns a postgres:// URL for the container.
func (c *PostgresContainer) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable&application_name=hermes-test",
	}

	return u.String()
}

// Config snapshots the connection parameters for tests.
func (c *PostgresContainer) Config() *PostgresConfig {
	return &PostgresConfig{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		DSN:      c.DSN(),
	}
}

func truncateStatement(tables []string) string {
	return fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", strings.Join(tables, ", "))
}
