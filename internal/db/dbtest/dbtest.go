// Package dbtest runs a disposable PostgreSQL for repository tests.
package dbtest

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"wellness-chat/internal/db"
)

// Start launches postgres:16-alpine and applies the chat schema. The returned func stops
// the pool and the container.
func Start(ctx context.Context) (*db.Database, func(), error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chat"),
		postgres.WithUsername("chat"),
		postgres.WithPassword("chat"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres: %w", err)
	}
	terminate := func() { _ = container.Terminate(context.Background()) }

	dsn, err := container.ConnectionString(ctx, "sslmode=disable", "application_name=test")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("connection string: %w", err)
	}

	database, err := db.NewDatabase(ctx, dsn)
	if err != nil {
		terminate()
		return nil, nil, err
	}
	if err := database.AutoMigrate(ctx); err != nil {
		database.Close()
		terminate()
		return nil, nil, err
	}

	return database, func() {
		database.Close()
		terminate()
	}, nil
}

// Truncate empties every chat table.
func Truncate(ctx context.Context, database *db.Database) error {
	_, err := database.Pool.Exec(ctx,
		`TRUNCATE TABLE messages, conversation_participants, conversations, presence, profiles CASCADE`)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}
