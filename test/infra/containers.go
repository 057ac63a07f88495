package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// StressDatabase is the Postgres a stress run points at. Shared databases
// are reused as-is and only have their test schema dropped afterwards.
type StressDatabase struct {
	DSN    string
	Shared bool
	Source string

	container *postgres.PostgresContainer
}

// ProvideStressDatabase resolves the database in order of preference: the
// explicit dsn, STRESS_TEST_PG_DSN, a throwaway container when docker
// answers, and finally a role on a local server (see InitLocalDatabase).
func ProvideStressDatabase(ctx context.Context, dsn string) (*StressDatabase, error) {
	if dsn != "" {
		return &StressDatabase{DSN: dsn, Shared: true, Source: "flag"}, nil
	}
	if env := os.Getenv("STRESS_TEST_PG_DSN"); env != "" {
		return &StressDatabase{DSN: env, Shared: true, Source: "env"}, nil
	}

	if dockerAvailable(ctx) {
		c, dsn, err := startContainer(ctx, "dispatch_stress")
		if err != nil {
			return nil, err
		}
		return &StressDatabase{DSN: dsn, Source: "container", container: c}, nil
	}

	dsn, err := InitLocalDatabase(ctx)
	if err != nil {
		return nil, fmt.Errorf("no docker and no local database: %w", err)
	}
	return &StressDatabase{DSN: dsn, Source: "local"}, nil
}

// Close stops the container, if one was started.
func (d *StressDatabase) Close(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}

// startContainer boots postgres:16-alpine with the dispatch credentials.
// DISPATCH_PG_IMAGE overrides the image.
func startContainer(ctx context.Context, database string) (*postgres.PostgresContainer, string, error) {
	image := os.Getenv("DISPATCH_PG_IMAGE")
	if image == "" {
		image = "postgres:16-alpine"
	}

	c, err := postgres.Run(ctx, image,
		postgres.WithDatabase(database),
		postgres.WithUsername("dispatch"),
		postgres.WithPassword("dispatch"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("resolve connection string: %w", err)
	}
	return c, dsn, nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}
