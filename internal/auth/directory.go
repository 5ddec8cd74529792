package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"idsync.org/internal/directory"
)

// Directory is the identity directory consumed by the core.
// *directory.Directory satisfies it.
type Directory interface {
	DN(username string) string
	Lookup(ctx context.Context, username string) (*directory.User, error)
	Authenticate(ctx context.Context, username, password string) error
	ListUsers(ctx context.Context) ([]*directory.User, error)
	CreateUser(ctx context.Context, u directory.NewUser) error
	SetRole(ctx context.Context, username, role, employeeID string) error
	SetAuthorizationLevel(ctx context.Context, username string, level int) error
	SetEmployeeID(ctx context.Context, username, employeeID string) error
	SetPassword(ctx context.Context, username, password string) error
	DeleteUser(ctx context.Context, username string) error
	Ping(ctx context.Context) error
}

var _ Directory = (*directory.Directory)(nil)

// dirClient bounds every directory call and maps its errors onto the auth taxonomy.
type dirClient struct {
	dir     Directory
	timeout time.Duration
}

func (c *dirClient) DN(username string) string { return c.dir.DN(username) }

func (c *dirClient) Lookup(ctx context.Context, username string) (*directory.User, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	u, err := c.dir.Lookup(ctx, username)
	return u, mapDirectoryError(err)
}

func (c *dirClient) Authenticate(ctx context.Context, username, password string) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return mapDirectoryError(c.dir.Authenticate(ctx, username, password))
}

func (c *dirClient) ListUsers(ctx context.Context) ([]*directory.User, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	users, err := c.dir.ListUsers(ctx)
	return users, mapDirectoryError(err)
}

func (c *dirClient) CreateUser(ctx context.Context, u directory.NewUser) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return mapDirectoryError(c.dir.CreateUser(ctx, u))
}

func (c *dirClient) SetRole(ctx context.Context, username, role, employeeID string) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return mapDirectoryError(c.dir.SetRole(ctx, username, role, employeeID))
}

func (c *dirClient) SetAuthorizationLevel(ctx context.Context, username string, level int) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return mapDirectoryError(c.dir.SetAuthorizationLevel(ctx, username, level))
}

func (c *dirClient) SetEmployeeID(ctx context.Context, username, employeeID string) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return mapDirectoryError(c.dir.SetEmployeeID(ctx, username, employeeID))
}

func (c *dirClient) SetPassword(ctx context.Context, username, password string) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return mapDirectoryError(c.dir.SetPassword(ctx, username, password))
}

func (c *dirClient) DeleteUser(ctx context.Context, username string) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return mapDirectoryError(c.dir.DeleteUser(ctx, username))
}

func (c *dirClient) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return mapDirectoryError(c.dir.Ping(ctx))
}

// mapDirectoryError translates directory failures. A timeout is Unavailable,
// never an authentication failure.
func mapDirectoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, directory.ErrNoSuchUser):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, directory.ErrInvalidCredentials):
		return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	case errors.Is(err, directory.ErrAlreadyExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, directory.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: directory: %w", ErrUnavailable, err)
	default:
		return fmt.Errorf("directory: %w", err)
	}
}

func fromDirectoryUser(u *directory.User) SyncInput {
	return SyncInput{
		Username:           u.Username,
		DirectoryRef:       u.DN,
		FullName:           u.FullName,
		Email:              u.Email,
		Role:               ParseRole(u.Role),
		AuthorizationLevel: u.AuthorizationLevel,
		EmployeeID:         u.EmployeeID,
	}
}
