// Package vault stores third-party provider credentials encrypted at rest.
// Values are sealed with AES-256-GCM under a key supplied at startup and
// persisted in the external_api_keys table; plaintext never leaves this
// package except through Get and GetValue.
package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"time"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/logger"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// keyNamePattern constrains vault key names to a safe identifier set.
var keyNamePattern = regexp.MustCompile(`^[a-z0-9_.-]{1,128}$`)

// Secret is one stored credential. Value is only populated by Get.
type Secret struct {
	KeyName   string    `json:"key_name"`
	Provider  string    `json:"provider"`
	Value     string    `json:"value,omitempty"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager encrypts and persists secrets.
type Manager struct {
	backend storage.Backend
	key     []byte
}

// New creates a Manager. The encryption key must be exactly KeySize bytes;
// use DecodeKey to accept base64-encoded operator input.
func New(backend storage.Backend, encryptionKey []byte) (*Manager, error) {
	if len(encryptionKey) != KeySize {
		return nil, kerrors.NewValidationError("vault encryption key must be 32 bytes", ErrInvalidKeySize)
	}
	key := make([]byte, KeySize)
	copy(key, encryptionKey)
	return &Manager{backend: backend, key: key}, nil
}

// Set creates or replaces a secret. updatedBy records the acting principal
// for the audit trail.
func (m *Manager) Set(ctx context.Context, keyName, provider, value, updatedBy string) error {
	if !keyNamePattern.MatchString(keyName) {
		return kerrors.NewValidationError("key name must match [a-z0-9_.-]{1,128}", nil)
	}
	if value == "" {
		return kerrors.NewValidationError("secret value must not be empty", nil)
	}
	if provider == "" {
		return kerrors.NewValidationError("provider must not be empty", nil)
	}

	sealed, err := encrypt(m.key, []byte(value))
	if err != nil {
		return kerrors.NewInternalError("encrypting secret", err)
	}
	now := time.Now().UTC()

	// Preserve created_at across replacement.
	createdAt := now
	if existing, err := m.backend.Get(ctx, storage.TableExternalAPIKeys, keyName); err == nil {
		createdAt = existing.Time("created_at")
	} else if !kerrors.IsNotFound(err) {
		return err
	}

	row := storage.Row{
		"key_name":        keyName,
		"provider":        provider,
		"encrypted_value": base64.StdEncoding.EncodeToString(sealed),
		"updated_by":      updatedBy,
		"created_at":      createdAt.Format(time.RFC3339Nano),
		"updated_at":      now.Format(time.RFC3339Nano),
	}
	return m.backend.Upsert(ctx, storage.TableExternalAPIKeys, keyName, row)
}

// Get returns the secret with its decrypted value.
func (m *Manager) Get(ctx context.Context, keyName string) (*Secret, error) {
	row, err := m.backend.Get(ctx, storage.TableExternalAPIKeys, keyName)
	if err != nil {
		return nil, err
	}
	secret := secretFromRow(row)
	plaintext, err := m.open(row.String("encrypted_value"))
	if err != nil {
		return nil, err
	}
	secret.Value = plaintext
	return secret, nil
}

// GetValue returns only the decrypted value, satisfying the credential
// source contract of the embedding gateway.
func (m *Manager) GetValue(ctx context.Context, keyName string) (string, error) {
	secret, err := m.Get(ctx, keyName)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

// List returns secret metadata, newest first, never values.
func (m *Manager) List(ctx context.Context) ([]*Secret, error) {
	rows, err := m.backend.Query(ctx, storage.TableExternalAPIKeys, storage.Query{
		OrderBy: []storage.Order{storage.Desc("updated_at")},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Secret, 0, len(rows))
	for _, row := range rows {
		out = append(out, secretFromRow(row))
	}
	return out, nil
}

// Delete removes a secret. Deleting a missing key is a not_found error.
func (m *Manager) Delete(ctx context.Context, keyName string) error {
	return m.backend.Delete(ctx, storage.TableExternalAPIKeys, keyName)
}

// Rotate re-encrypts every stored secret under newKey in one transaction.
// On success the Manager uses newKey for all subsequent operations.
func (m *Manager) Rotate(ctx context.Context, newKey []byte) error {
	if len(newKey) != KeySize {
		return kerrors.NewValidationError("new vault key must be 32 bytes", ErrInvalidKeySize)
	}

	tx, err := m.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(ctx, storage.TableExternalAPIKeys, storage.Query{})
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, row := range rows {
		plaintext, err := m.open(row.String("encrypted_value"))
		if err != nil {
			return fmt.Errorf("rotating %s: %w", row.String("key_name"), err)
		}
		sealed, err := encrypt(newKey, []byte(plaintext))
		if err != nil {
			return kerrors.NewInternalError("re-encrypting secret", err)
		}
		err = tx.Update(ctx, storage.TableExternalAPIKeys, row.String("key_name"), storage.Row{
			"encrypted_value": base64.StdEncoding.EncodeToString(sealed),
			"updated_at":      now,
		})
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	copy(m.key, newKey)
	logger.Infow("vault key rotated", "secrets", len(rows))
	return nil
}

func (m *Manager) open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", kerrors.NewInternalError("decoding stored secret", err)
	}
	plaintext, err := decrypt(m.key, sealed)
	if err != nil {
		return "", kerrors.NewInternalError("decrypting secret; was the vault key changed without rotation?", err)
	}
	return string(plaintext), nil
}

func secretFromRow(row storage.Row) *Secret {
	return &Secret{
		KeyName:   row.String("key_name"),
		Provider:  row.String("provider"),
		UpdatedBy: row.String("updated_by"),
		CreatedAt: row.Time("created_at"),
		UpdatedAt: row.Time("updated_at"),
	}
}
