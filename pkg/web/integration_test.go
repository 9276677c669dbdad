//go:build integration

package web_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/dukex/lazypipe/pkg/cache/postgresql"
	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/log"
	"github.com/dukex/lazypipe/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "test_lazypipe",
				"POSTGRES_USER":     "test_user",
				"POSTGRES_PASSWORD": "test_pass",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://test_user:test_pass@%s:%s/test_lazypipe?sslmode=disable", host, port.Port())
}

func setupIntegrationApp(t *testing.T, dbURL string) (*fiber.App, *testPipeline) {
	t.Helper()

	store, err := postgresql.NewStore(t.Context(), log.Discard(), dbURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	p := newTestPipeline(t)

	ev, err := eval.New(p.graph, eval.WithStore(store), eval.WithLogger(log.Discard()))
	require.NoError(t, err)

	handlers := web.NewAPIHandlers(ev, p.registry, nil, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	app.Post("/runs", handlers.CreateRun)
	app.Get("/health", handlers.HealthCheck)

	return app, p
}

func TestIntegration_RunsSharePostgresCache(t *testing.T) {
	dbURL := setupTestDB(t)

	first, firstPipeline := setupIntegrationApp(t, dbURL)
	second, secondPipeline := setupIntegrationApp(t, dbURL)

	status, _ := do(t, first, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)

	req := web.RunRequest{Targets: []string{"total"}, Params: map[string]any{"factor": 4}}

	status, body := do(t, first, http.MethodPost, "/runs", req)
	require.Equal(t, http.StatusCreated, status, string(body))

	var resp web.RunResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.InDelta(t, 24.0, resp.Values["total"], 0)
	assert.Equal(t, 3, resp.Report.Executed)
	assert.Equal(t, int32(3), firstPipeline.calls.Load())

	// A second server over the same database reuses the stored result.
	status, body = do(t, second, http.MethodPost, "/runs", req)
	require.Equal(t, http.StatusCreated, status, string(body))

	require.NoError(t, json.Unmarshal(body, &resp))
	assert.InDelta(t, 24.0, resp.Values["total"], 0)
	assert.Equal(t, 0, resp.Report.Executed)
	assert.Equal(t, 1, resp.Report.CacheHits)
	assert.Zero(t, secondPipeline.calls.Load())
}
