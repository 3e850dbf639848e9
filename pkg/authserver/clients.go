package authserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/storage"
)

// Token endpoint auth methods accepted at registration.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

const clientSecretBytes = 32

// Client is a registered OAuth2 client. Confidential clients carry a
// bcrypt-hashed secret; public clients have none and must use PKCE.
type Client struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	Scope                   string    `json:"scope"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	Public                  bool      `json:"public"`
	CreatedAt               time.Time `json:"created_at"`

	secretHash string
}

// RegisteredClient carries the one-time plaintext secret after registration.
type RegisteredClient struct {
	Client *Client `json:"client"`
	Secret string  `json:"secret,omitempty"`
}

// RegisterRequest is the admin client-registration payload.
type RegisterRequest struct {
	Name                    string   `json:"name" validate:"required,max=128"`
	RedirectURIs            []string `json:"redirect_uris" validate:"required,min=1"`
	Public                  bool     `json:"public"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// Clients manages OAuth2 client registrations.
type Clients struct {
	backend storage.Backend
}

// NewClients creates the client registry.
func NewClients(backend storage.Backend) *Clients {
	return &Clients{backend: backend}
}

// Register creates a client. The returned secret for confidential clients is
// the only copy that will ever exist.
func (c *Clients) Register(ctx context.Context, req RegisterRequest) (*RegisteredClient, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, kerrors.NewValidationError("client name must not be empty", nil)
	}
	if len(req.RedirectURIs) == 0 {
		return nil, kerrors.NewValidationError("at least one redirect URI is required", nil)
	}
	for _, raw := range req.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return nil, err
		}
	}

	method := req.TokenEndpointAuthMethod
	if req.Public {
		if method != "" && method != AuthMethodNone {
			return nil, kerrors.NewValidationError("public clients must use token_endpoint_auth_method=none", nil)
		}
		method = AuthMethodNone
	} else {
		switch method {
		case "":
			method = AuthMethodBasic
		case AuthMethodBasic, AuthMethodPost:
		case AuthMethodNone:
			return nil, kerrors.NewValidationError("confidential clients cannot use token_endpoint_auth_method=none", nil)
		default:
			return nil, kerrors.NewValidationError("unsupported token_endpoint_auth_method", nil)
		}
	}

	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = "openid profile email"
	}
	client := &Client{
		ID:                      uuid.NewString(),
		Name:                    name,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   scope,
		TokenEndpointAuthMethod: method,
		Public:                  req.Public,
		CreatedAt:               time.Now().UTC(),
	}

	var secret string
	if !req.Public {
		raw := make([]byte, clientSecretBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, kerrors.NewInternalError("generating client secret", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(raw)
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, kerrors.NewInternalError("hashing client secret", err)
		}
		client.secretHash = string(hash)
	}

	redirectURIs, err := storage.JSON(client.RedirectURIs)
	if err != nil {
		return nil, kerrors.NewInternalError("encoding redirect URIs", err)
	}
	grantTypes, _ := storage.JSON(client.GrantTypes)
	responseTypes, _ := storage.JSON(client.ResponseTypes)
	err = c.backend.Put(ctx, storage.TableOAuthClients, client.ID, storage.Row{
		"id":                         client.ID,
		"secret_hash":                client.secretHash,
		"name":                       client.Name,
		"redirect_uris":              string(redirectURIs),
		"grant_types":                string(grantTypes),
		"response_types":             string(responseTypes),
		"scope":                      client.Scope,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"public":                     client.Public,
		"created_at":                 client.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return &RegisteredClient{Client: client, Secret: secret}, nil
}

// Get returns one client's metadata.
func (c *Clients) Get(ctx context.Context, id string) (*Client, error) {
	return clientByID(ctx, c.backend, id)
}

// List returns all registered clients, newest first.
func (c *Clients) List(ctx context.Context) ([]*Client, error) {
	rows, err := c.backend.Query(ctx, storage.TableOAuthClients, storage.Query{
		OrderBy: []storage.Order{storage.Desc("created_at"), storage.Asc("id")},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Client, 0, len(rows))
	for _, row := range rows {
		out = append(out, clientFromRow(row))
	}
	return out, nil
}

// Delete removes a client registration. Tokens already issued to it keep
// working until expiry or revocation.
func (c *Clients) Delete(ctx context.Context, id string) error {
	if _, err := clientByID(ctx, c.backend, id); err != nil {
		return err
	}
	return c.backend.Delete(ctx, storage.TableOAuthClients, id)
}

func clientByID(ctx context.Context, backend storage.Backend, id string) (*Client, error) {
	row, err := backend.Get(ctx, storage.TableOAuthClients, id)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return nil, kerrors.NewNotFoundError("OAuth client not found", err)
		}
		return nil, err
	}
	return clientFromRow(row), nil
}

func clientFromRow(row storage.Row) *Client {
	return &Client{
		ID:                      row.String("id"),
		Name:                    row.String("name"),
		RedirectURIs:            row.StringSlice("redirect_uris"),
		GrantTypes:              row.StringSlice("grant_types"),
		ResponseTypes:           row.StringSlice("response_types"),
		Scope:                   row.String("scope"),
		TokenEndpointAuthMethod: row.String("token_endpoint_auth_method"),
		Public:                  row.Bool("public"),
		CreatedAt:               row.Time("created_at"),
		secretHash:              row.String("secret_hash"),
	}
}

// fosite adapts the client to fosite's client interface. The stored bcrypt
// hash slots straight into fosite's default hasher comparison.
func (c *Client) fosite() fosite.Client {
	return &fosite.DefaultClient{
		ID:            c.ID,
		Secret:        []byte(c.secretHash),
		RedirectURIs:  c.RedirectURIs,
		GrantTypes:    c.GrantTypes,
		ResponseTypes: c.ResponseTypes,
		Scopes:        strings.Fields(c.Scope),
		Public:        c.Public,
	}
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return kerrors.NewValidationError("redirect URI is not a valid URL", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return kerrors.NewValidationError("redirect URI must be http or https", nil)
	}
	if u.Host == "" {
		return kerrors.NewValidationError("redirect URI must be absolute", nil)
	}
	return nil
}
