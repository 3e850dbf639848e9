package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/sqlite"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	ctx := context.Background()
	backend, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Migrate(ctx))
	return NewLogger(backend)
}

func TestHashValue(t *testing.T) {
	t.Parallel()
	assert.Empty(t, HashValue(""))
	h := HashValue("sk-secret")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashValue("sk-secret"))
	assert.NotEqual(t, h, HashValue("sk-other"))
	// the hash never contains the value
	assert.NotContains(t, h, "sk-secret")
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()
	l := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Event{
		ActorEmail:   "admin@example.com",
		ActorUserID:  "u1",
		Action:       ActionVaultSet,
		Resource:     "openai_api_key",
		NewValueHash: HashValue("sk-secret"),
		IP:           "10.0.0.1",
		Metadata:     map[string]any{"provider": "openai"},
	}))
	require.NoError(t, l.Record(ctx, Event{
		ActorUserID: "u2",
		Action:      ActionLogin,
		Resource:    "u2",
	}))

	events, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// newest first
	assert.Equal(t, ActionLogin, events[0].Action)
	assert.Equal(t, ActionVaultSet, events[1].Action)

	ev := events[1]
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.Equal(t, "admin@example.com", ev.ActorEmail)
	assert.Equal(t, HashValue("sk-secret"), ev.NewValueHash)
	assert.Equal(t, "openai", ev.Metadata["provider"])
}

func TestRecordRequiresAction(t *testing.T) {
	t.Parallel()
	l := newTestLogger(t)
	err := l.Record(context.Background(), Event{Resource: "r"})
	assert.True(t, kerrors.IsValidation(err))
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	l := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, Event{ActorUserID: "u1", Action: ActionLogin, Resource: "u1"}))
	}
	require.NoError(t, l.Record(ctx, Event{ActorUserID: "u2", Action: ActionAPIKeyCreate, Resource: "key-1"}))

	byAction, err := l.List(ctx, Filter{Action: ActionLogin})
	require.NoError(t, err)
	assert.Len(t, byAction, 3)

	byActor, err := l.List(ctx, Filter{ActorUserID: "u2"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, ActionAPIKeyCreate, byActor[0].Action)

	since, err := l.List(ctx, Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, since)

	paged, err := l.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
	rest, err := l.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}
