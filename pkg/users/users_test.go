package users

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	backend, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Migrate(ctx))
	return NewStore(backend)
}

func TestRoleAllows(t *testing.T) {
	t.Parallel()
	assert.True(t, RoleAdmin.Allows(RoleReadOnly))
	assert.True(t, RoleAdmin.Allows(RoleAdmin))
	assert.True(t, RoleUser.Allows(RoleReadOnly))
	assert.False(t, RoleUser.Allows(RoleAdmin))
	assert.False(t, RoleReadOnly.Allows(RoleUser))
	assert.False(t, Role("bogus").Allows(RoleReadOnly))
	assert.False(t, RoleUser.Allows(Role("bogus")))
}

func TestProvisionFirstUserIsAdmin(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Provision(ctx, Profile{Subject: "sub-1", Email: "First@Example.com", Name: "First"})
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, first.Role)
	assert.Equal(t, "first@example.com", first.Email)
	assert.NotEmpty(t, first.ID)

	second, err := s.Provision(ctx, Profile{Subject: "sub-2", Email: "second@example.com", Name: "Second"})
	require.NoError(t, err)
	assert.Equal(t, RoleUser, second.Role)
}

func TestProvisionIsIdempotentAndRefreshesProfile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Provision(ctx, Profile{Subject: "sub-1", Email: "a@example.com", Name: "Old Name"})
	require.NoError(t, err)

	again, err := s.Provision(ctx, Profile{Subject: "sub-1", Email: "a@example.com", Name: "New Name", AvatarURL: "https://img/1"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "New Name", again.Name)
	assert.Equal(t, "https://img/1", again.AvatarURL)
	// role survives the profile refresh
	assert.Equal(t, RoleAdmin, again.Role)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProvisionValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Provision(ctx, Profile{Email: "a@example.com"})
	assert.True(t, kerrors.IsValidation(err))
	_, err = s.Provision(ctx, Profile{Subject: "sub-1"})
	assert.True(t, kerrors.IsValidation(err))
}

func TestLookups(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Provision(ctx, Profile{Subject: "sub-1", Email: "lookup@example.com", Name: "L"})
	require.NoError(t, err)

	bySubject, err := s.GetBySubject(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySubject.ID)

	byEmail, err := s.GetByEmail(ctx, "LOOKUP@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	byID, err := s.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", byID.Subject)

	_, err = s.GetBySubject(ctx, "missing")
	assert.True(t, kerrors.IsNotFound(err))
	_, err = s.GetByID(ctx, "missing")
	assert.True(t, kerrors.IsNotFound(err))
}

func TestSetRole(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	admin, err := s.Provision(ctx, Profile{Subject: "sub-1", Email: "admin@example.com", Name: "A"})
	require.NoError(t, err)
	user, err := s.Provision(ctx, Profile{Subject: "sub-2", Email: "user@example.com", Name: "U"})
	require.NoError(t, err)

	promoted, err := s.SetRole(ctx, user.ID, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, promoted.Role)

	// two admins now, demoting one is fine
	demoted, err := s.SetRole(ctx, admin.ID, RoleReadOnly)
	require.NoError(t, err)
	assert.Equal(t, RoleReadOnly, demoted.Role)

	// demoting the last admin is refused
	_, err = s.SetRole(ctx, user.ID, RoleUser)
	assert.True(t, kerrors.IsValidation(err))

	_, err = s.SetRole(ctx, user.ID, Role("bogus"))
	assert.True(t, kerrors.IsValidation(err))

	_, err = s.SetRole(ctx, "missing", RoleUser)
	assert.True(t, kerrors.IsNotFound(err))
}

func TestListOrdersByCreation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Provision(ctx, Profile{Subject: "sub-1", Email: "a@example.com", Name: "A"})
	require.NoError(t, err)
	_, err = s.Provision(ctx, Profile{Subject: "sub-2", Email: "b@example.com", Name: "B"})
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "sub-1", all[0].Subject)
	assert.Equal(t, "sub-2", all[1].Subject)
}
