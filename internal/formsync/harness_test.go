package formsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fieldworks/go-formsync/formsync"
)

// IntegrationTestHarness boots a disposable Postgres container with the sync
// service on top of it, plus two tenants with signed tokens so cross-org
// behavior can be exercised.
type IntegrationTestHarness struct {
	t         *testing.T
	ctx       context.Context
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	service   *formsync.SyncService
	handlers  *formsync.HTTPHandlers
	jwtAuth   *formsync.JWTAuth
	logger    *slog.Logger

	org1ID    string
	org2ID    string
	user1ID   string
	user2ID   string
	org1Token string
	org2Token string
}

func NewIntegrationTestHarness(t *testing.T) *IntegrationTestHarness {
	t.Helper()
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("formsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	config := &formsync.ServiceConfig{
		AppName:          "formsync-integration-test",
		MaxSyncBatchSize: 100,
		MaxPayloadBytes:  64 * 1024,
	}
	service, err := formsync.NewSyncService(pool, config, logger)
	require.NoError(t, err)

	jwtAuth := formsync.NewJWTAuth("test-secret-key")
	handlers := formsync.NewHTTPHandlers(service, jwtAuth, logger)

	h := &IntegrationTestHarness{
		t:         t,
		ctx:       ctx,
		container: container,
		pool:      pool,
		service:   service,
		handlers:  handlers,
		jwtAuth:   jwtAuth,
		logger:    logger,
		org1ID:    uuid.New().String(),
		org2ID:    uuid.New().String(),
		user1ID:   "user-one",
		user2ID:   "user-two",
	}

	h.org1Token, err = jwtAuth.GenerateToken(h.user1ID, h.org1ID, "device-one", time.Hour)
	require.NoError(t, err)
	h.org2Token, err = jwtAuth.GenerateToken(h.user2ID, h.org2ID, "device-two", time.Hour)
	require.NoError(t, err)

	return h
}

func (h *IntegrationTestHarness) Cleanup() {
	if h.service != nil {
		_ = h.service.Close()
	}
	if h.pool != nil {
		h.pool.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(h.ctx)
	}
}

// MakeUUID returns a deterministic UUID for test fixtures.
func MakeUUID(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}

func newForm(id, title string) *formsync.FormDefinition {
	return &formsync.FormDefinition{
		ID:    id,
		Title: title,
		Sections: []formsync.FormSection{
			{
				ID: "s1",
				Questions: []formsync.FormQuestion{
					{ID: "q1", Label: "How was the visit?", Type: "text"},
				},
			},
		},
	}
}

// syncItem builds a wire item with the payload marshaled in place.
func syncItem(t *testing.T, id, itemType string, payload any) formsync.SyncItem {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return formsync.SyncItem{
		ID:         id,
		Type:       itemType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
}

func responseItem(t *testing.T, id, formID string) formsync.SyncItem {
	t.Helper()
	return syncItem(t, id, formsync.ItemFormResponse, &formsync.FormResponsePayload{
		FormID:    formID,
		Completed: true,
		Answers:   map[string]any{"q1": "fine"},
	})
}

// countRows runs a COUNT(*) query and returns the result.
func (h *IntegrationTestHarness) countRows(query string, args ...any) int {
	h.t.Helper()
	var n int
	require.NoError(h.t, h.pool.QueryRow(h.ctx, query, args...).Scan(&n))
	return n
}

// failedByID indexes a response's failed items for assertions.
func failedByID(resp *formsync.SyncUploadResponse) map[string]formsync.FailedSyncItem {
	out := make(map[string]formsync.FailedSyncItem, len(resp.FailedItems))
	for _, fi := range resp.FailedItems {
		out[fi.ID] = fi
	}
	return out
}
