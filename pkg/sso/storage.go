package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/ssobridge/pkg/observability"
	"github.com/meridianlabs/ssobridge/pkg/state"
)

// ErrProviderNotFound is returned when no provider has the requested id.
var ErrProviderNotFound = errors.New("sso: provider not found")

// Storage persists provider configurations in Postgres. Protocol
// configs are stored as JSONB documents so new protocol fields never
// need a migration.
type Storage struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// NewStorage creates a provider configuration store.
func NewStorage(db *sql.DB, metrics *observability.Metrics) *Storage {
	return &Storage{db: db, metrics: metrics}
}

// EnsureSchema creates the sso_providers table if it does not exist.
// The CHECK mirrors the provider id range enforced in code.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sso_providers (
			id INTEGER PRIMARY KEY CHECK (id BETWEEN 1 AND 998),
			name TEXT NOT NULL UNIQUE,
			provider_type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			auto_provision BOOLEAN NOT NULL DEFAULT false,
			user_domains JSONB,
			saml_config JSONB,
			oidc_config JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sso_providers table: %w", err)
	}
	return nil
}

const providerColumns = `id, name, provider_type, enabled, auto_provision,
		user_domains, saml_config, oidc_config, created_at, updated_at`

// Create inserts a provider configuration. When config.ID is zero the
// smallest free id is assigned; explicit ids outside [1,998] are
// rejected before touching the database.
func (s *Storage) Create(ctx context.Context, config *ProviderConfig) error {
	start := time.Now()

	if config.ID == 0 {
		var next int
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(id), 0) + 1 FROM sso_providers`).Scan(&next)
		if err != nil {
			s.metrics.ObserveStoreOperation("provider_create", start, err)
			return fmt.Errorf("failed to allocate provider id: %w", err)
		}
		config.ID = next
	}
	if !state.ValidProviderID(config.ID) {
		return state.ErrInvalidProviderID
	}

	samlJSON, oidcJSON, domainsJSON, err := marshalConfigs(config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sso_providers (
			id, name, provider_type, enabled, auto_provision,
			user_domains, saml_config, oidc_config, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, config.ID, config.Name, config.ProviderType, config.Enabled,
		config.AutoProvision, domainsJSON, samlJSON, oidcJSON)

	s.metrics.ObserveStoreOperation("provider_create", start, err)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

// GetByID retrieves a provider configuration by id.
func (s *Storage) GetByID(ctx context.Context, id int) (*ProviderConfig, error) {
	start := time.Now()

	if !state.ValidProviderID(id) {
		return nil, state.ErrInvalidProviderID
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+`
		FROM sso_providers
		WHERE id = $1
	`, id)

	config, err := scanProvider(row)
	s.metrics.ObserveStoreOperation("provider_get", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	return config, nil
}

// List returns provider configurations ordered by id, optionally
// restricted to enabled ones.
func (s *Storage) List(ctx context.Context, enabledOnly bool) ([]*ProviderConfig, error) {
	start := time.Now()

	query := `SELECT ` + providerColumns + ` FROM sso_providers`
	if enabledOnly {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.metrics.ObserveStoreOperation("provider_list", start, err)
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*ProviderConfig
	for rows.Next() {
		config, err := scanProvider(rows)
		if err != nil {
			s.metrics.ObserveStoreOperation("provider_list", start, err)
			return nil, err
		}
		providers = append(providers, config)
	}

	err = rows.Err()
	s.metrics.ObserveStoreOperation("provider_list", start, err)
	return providers, err
}

// Update replaces a provider configuration in place.
func (s *Storage) Update(ctx context.Context, config *ProviderConfig) error {
	start := time.Now()

	samlJSON, oidcJSON, domainsJSON, err := marshalConfigs(config)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_providers
		SET name = $1, provider_type = $2, enabled = $3, auto_provision = $4,
			user_domains = $5, saml_config = $6, oidc_config = $7, updated_at = NOW()
		WHERE id = $8
	`, config.Name, config.ProviderType, config.Enabled, config.AutoProvision,
		domainsJSON, samlJSON, oidcJSON, config.ID)

	s.metrics.ObserveStoreOperation("provider_update", start, err)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// Delete removes a provider configuration.
func (s *Storage) Delete(ctx context.Context, id int) error {
	start := time.Now()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_providers WHERE id = $1`, id)

	s.metrics.ObserveStoreOperation("provider_delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func marshalConfigs(config *ProviderConfig) (samlJSON, oidcJSON, domainsJSON []byte, err error) {
	if config.SAMLConfig != nil {
		if samlJSON, err = json.Marshal(samlStored(*config.SAMLConfig)); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal SAML config: %w", err)
		}
	}
	if config.OIDCConfig != nil {
		if oidcJSON, err = json.Marshal(oidcStored(*config.OIDCConfig)); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal OIDC config: %w", err)
		}
	}
	if len(config.UserDomains) > 0 {
		if domainsJSON, err = json.Marshal(config.UserDomains); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal user domains: %w", err)
		}
	}
	return samlJSON, oidcJSON, domainsJSON, nil
}

// samlStored and oidcStored carry the secret fields the public JSON
// tags strip. The database column is the one place secrets live.
type samlStored struct {
	EntityID     string `json:"entity_id"`
	SSOURL       string `json:"sso_url"`
	SLOUrl       string `json:"slo_url,omitempty"`
	Certificate  string `json:"certificate"`
	PrivateKey   string `json:"private_key,omitempty"`
	SignRequests bool   `json:"sign_requests"`
	NameIDFormat string `json:"name_id_format,omitempty"`
}

type oidcStored struct {
	ClientID        string   `json:"client_id"`
	ClientSecret    string   `json:"client_secret,omitempty"`
	IssuerURL       string   `json:"issuer_url"`
	RedirectURL     string   `json:"redirect_url"`
	Scopes          []string `json:"scopes"`
	SkipIssuerCheck bool     `json:"skip_issuer_check,omitempty"`
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row rowScanner) (*ProviderConfig, error) {
	var (
		config      ProviderConfig
		domainsJSON []byte
		samlJSON    []byte
		oidcJSON    []byte
	)

	err := row.Scan(
		&config.ID, &config.Name, &config.ProviderType, &config.Enabled,
		&config.AutoProvision, &domainsJSON, &samlJSON, &oidcJSON,
		&config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(domainsJSON) > 0 {
		if err := json.Unmarshal(domainsJSON, &config.UserDomains); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user domains: %w", err)
		}
	}
	if len(samlJSON) > 0 {
		var stored samlStored
		if err := json.Unmarshal(samlJSON, &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SAML config: %w", err)
		}
		config.SAMLConfig = (*SAMLConfig)(&stored)
	}
	if len(oidcJSON) > 0 {
		var stored oidcStored
		if err := json.Unmarshal(oidcJSON, &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OIDC config: %w", err)
		}
		config.OIDCConfig = (*OIDCConfig)(&stored)
	}

	return &config, nil
}
