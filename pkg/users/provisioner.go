package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridianlabs/ssobridge/pkg/claims"
	"github.com/meridianlabs/ssobridge/pkg/observability"
)

// ErrProvisioningDisabled is returned when an unknown identity arrives
// through a provider that has just-in-time creation turned off.
var ErrProvisioningDisabled = errors.New("users: auto-provisioning is disabled for this provider")

// User is a local account.
type User struct {
	ID        int64
	UserName  string
	Email     string
	FirstName string
	LastName  string

	// Comment records how the account came to exist.
	Comment string

	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt time.Time
}

// Provisioner finds and just-in-time creates local accounts.
type Provisioner struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewProvisioner creates a user provisioner.
func NewProvisioner(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *Provisioner {
	return &Provisioner{db: db, logger: logger, metrics: metrics}
}

// EnsureSchema creates the users table if it does not exist. Email is
// the account key, unique case-insensitively.
func (p *Provisioner) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			user_name TEXT NOT NULL,
			email TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_login_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
		ON users (LOWER(email))
	`)
	if err != nil {
		return fmt.Errorf("failed to create users email index: %w", err)
	}
	return nil
}

const userColumns = `id, user_name, email, first_name, last_name, comment,
		is_active, created_at, updated_at, last_login_at`

// FindByEmail looks up an account by address, case-insensitively.
// Returns sql.ErrNoRows when absent.
func (p *Provisioner) FindByEmail(ctx context.Context, email string) (*User, error) {
	start := time.Now()
	row := p.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, email)

	user, err := scanUser(row)
	p.metrics.ObserveStoreOperation("user_find", start, err)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindOrCreate returns the local account for a resolved identity,
// creating it when the provider allows just-in-time provisioning. On
// every successful login the name fields and last_login_at are
// refreshed from the identity.
func (p *Provisioner) FindOrCreate(ctx context.Context, identity *claims.Identity, autoProvision bool) (*User, error) {
	if len(identity.Email) == 0 {
		return nil, fmt.Errorf("users: identity has no email")
	}
	email := identity.Email[0]

	user, err := p.FindByEmail(ctx, email)
	if err == nil {
		return p.refresh(ctx, user, identity)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if !autoProvision {
		return nil, ErrProvisioningDisabled
	}
	return p.create(ctx, identity)
}

func (p *Provisioner) create(ctx context.Context, identity *claims.Identity) (*User, error) {
	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	email := identity.Email[0]
	user := &User{
		UserName:  identity.PrimaryIdentifier,
		Email:     email,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Comment:   identity.ProvisioningComment,
		Active:    true,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (user_name, email, first_name, last_name, comment, secret,
			is_active, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, NOW(), NOW(), NOW())
		RETURNING id, created_at, updated_at, last_login_at
	`, user.UserName, user.Email, user.FirstName, user.LastName,
		user.Comment, identity.GeneratedSecret).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		p.metrics.ObserveStoreOperation("user_create", start, err)
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		p.metrics.ObserveStoreOperation("user_create", start, err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.metrics.ObserveStoreOperation("user_create", start, nil)

	p.logger.WithFields(map[string]interface{}{
		"user_id": user.ID,
		"email":   user.Email,
	}).Info("provisioned new user")
	return user, nil
}

func (p *Provisioner) refresh(ctx context.Context, user *User, identity *claims.Identity) (*User, error) {
	start := time.Now()

	// Empty identity names keep the stored values.
	firstName := identity.FirstName
	if firstName == "" {
		firstName = user.FirstName
	}
	lastName := identity.LastName
	if lastName == "" {
		lastName = user.LastName
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE users
		SET first_name = $1, last_name = $2, updated_at = NOW(), last_login_at = NOW()
		WHERE id = $3
		RETURNING `+userColumns+`
	`, firstName, lastName, user.ID)

	updated, err := scanUser(row)
	p.metrics.ObserveStoreOperation("user_refresh", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh user: %w", err)
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.UserName, &user.Email, &user.FirstName, &user.LastName,
		&user.Comment, &user.Active, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
