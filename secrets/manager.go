// Package secrets stores per-repository secrets injected into job
// environments. Values are opaque to the runner and must never be
// logged.
package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Repo identifies the repository a secret belongs to, e.g. "acme/gather-blocks".
type Repo string

type Secret[T any] struct {
	Key       string
	Value     T
	Repo      Repo
	CreatedAt time.Time
	CreatedBy string
}

// the secret value is not present
type LockedSecret = Secret[struct{}]

// the secret value is present in plaintext; never expose this
// publicly, only hand it to the engine when constructing job envs
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, secret Secret[any]) error
	GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context, repo Repo) ([]UnlockedSecret, error)
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")

// ensure that we are satisfying the interface
var (
	_ = []Manager{
		&SqliteManager{},
	}
)

var (
	// shell identifier syntax, secrets become environment variables
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func isValidKey(key string) bool {
	if key == "" {
		return false
	}
	return keyIdent.MatchString(key)
}

func ValidateKey(key string) error {
	if !isValidKey(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}
