// Package users manages platform principals and their roles. Users are
// provisioned on first login against the upstream IdP; the very first user
// of a deployment becomes its admin.
package users

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// Role orders platform permissions: admin > user > read_only.
type Role string

// Platform roles.
const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleReadOnly Role = "read_only"
)

var roleRank = map[Role]int{
	RoleReadOnly: 0,
	RoleUser:     1,
	RoleAdmin:    2,
}

// Valid reports whether the role is one of the three platform roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Allows reports whether a principal holding r may act as required. Unknown
// roles allow nothing.
func (r Role) Allows(required Role) bool {
	mine, ok := roleRank[r]
	if !ok {
		return false
	}
	needed, ok := roleRank[required]
	if !ok {
		return false
	}
	return mine >= needed
}

// User is one platform principal.
type User struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile is the identity shape delivered by the upstream IdP at login.
type Profile struct {
	Subject   string
	Email     string
	Name      string
	AvatarURL string
}

// Store persists users in the relational backend.
type Store struct {
	backend storage.Backend
}

// NewStore creates a Store.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// GetByID returns the user with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	row, err := s.backend.Get(ctx, storage.TableUsers, id)
	if err != nil {
		return nil, err
	}
	return userFromRow(row), nil
}

// GetBySubject returns the user with the given IdP subject.
func (s *Store) GetBySubject(ctx context.Context, subject string) (*User, error) {
	return s.queryOne(ctx, storage.Eq("subject", subject), "user with subject not found")
}

// GetByEmail returns the user with the given email. Emails are matched
// case-insensitively because IdPs are inconsistent about casing.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryOne(ctx, storage.Eq("email", normalizeEmail(email)), "user with email not found")
}

// Provision returns the user for the IdP profile, creating it on first
// login. The first user ever provisioned becomes the deployment admin;
// everyone after that starts as a regular user. Profile fields are refreshed
// on every login so renames at the IdP propagate.
func (s *Store) Provision(ctx context.Context, p Profile) (*User, error) {
	if p.Subject == "" {
		return nil, kerrors.NewValidationError("identity subject must not be empty", nil)
	}
	if p.Email == "" {
		return nil, kerrors.NewValidationError("identity email must not be empty", nil)
	}
	p.Email = normalizeEmail(p.Email)

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	rows, err := tx.Query(ctx, storage.TableUsers, storage.Query{
		Predicate: storage.Eq("subject", p.Subject),
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		user := userFromRow(rows[0])
		if user.Email != p.Email || user.Name != p.Name || user.AvatarURL != p.AvatarURL {
			err = tx.Update(ctx, storage.TableUsers, user.ID, storage.Row{
				"email":      p.Email,
				"name":       p.Name,
				"avatar_url": p.AvatarURL,
				"updated_at": now.Format(time.RFC3339Nano),
			})
			if err != nil {
				return nil, err
			}
			user.Email, user.Name, user.AvatarURL, user.UpdatedAt = p.Email, p.Name, p.AvatarURL, now
		}
		return user, tx.Commit()
	}

	total, err := tx.Count(ctx, storage.TableUsers, storage.All())
	if err != nil {
		return nil, err
	}
	role := RoleUser
	if total == 0 {
		role = RoleAdmin
	}

	user := &User{
		ID:        uuid.NewString(),
		Subject:   p.Subject,
		Email:     p.Email,
		Name:      p.Name,
		AvatarURL: p.AvatarURL,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = tx.Put(ctx, storage.TableUsers, user.ID, storage.Row{
		"id":         user.ID,
		"subject":    user.Subject,
		"email":      user.Email,
		"name":       user.Name,
		"avatar_url": user.AvatarURL,
		"role":       string(user.Role),
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if role == RoleAdmin {
		logger.Infow("bootstrapped first user as admin", "email", user.Email)
	}
	return user, nil
}

// SetRole changes a user's role. A deployment must keep at least one admin,
// so demoting the last admin is a validation error.
func (s *Store) SetRole(ctx context.Context, id string, role Role) (*User, error) {
	if !role.Valid() {
		return nil, kerrors.NewValidationError("role must be admin, user, or read_only", nil)
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	row, err := tx.Get(ctx, storage.TableUsers, id)
	if err != nil {
		return nil, err
	}
	user := userFromRow(row)
	if user.Role == role {
		return user, tx.Commit()
	}

	if user.Role == RoleAdmin && role != RoleAdmin {
		admins, err := tx.Count(ctx, storage.TableUsers, storage.Eq("role", string(RoleAdmin)))
		if err != nil {
			return nil, err
		}
		if admins <= 1 {
			return nil, kerrors.NewValidationError("cannot demote the last admin", nil)
		}
	}

	now := time.Now().UTC()
	err = tx.Update(ctx, storage.TableUsers, id, storage.Row{
		"role":       string(role),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	user.Role = role
	user.UpdatedAt = now
	return user, tx.Commit()
}

// List returns all users ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*User, error) {
	rows, err := s.backend.Query(ctx, storage.TableUsers, storage.Query{
		OrderBy: []storage.Order{storage.Asc("created_at"), storage.Asc("id")},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(rows))
	for _, row := range rows {
		out = append(out, userFromRow(row))
	}
	return out, nil
}

// Count returns the number of users.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.backend.Count(ctx, storage.TableUsers, storage.All())
}

func (s *Store) queryOne(ctx context.Context, pred storage.Predicate, notFoundMsg string) (*User, error) {
	rows, err := s.backend.Query(ctx, storage.TableUsers, storage.Query{Predicate: pred, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, kerrors.NewNotFoundError(notFoundMsg, nil)
	}
	return userFromRow(rows[0]), nil
}

func userFromRow(row storage.Row) *User {
	return &User{
		ID:        row.String("id"),
		Subject:   row.String("subject"),
		Email:     row.String("email"),
		Name:      row.String("name"),
		AvatarURL: row.String("avatar_url"),
		Role:      Role(row.String("role")),
		CreatedAt: row.Time("created_at"),
		UpdatedAt: row.Time("updated_at"),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
