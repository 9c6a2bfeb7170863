package secrets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testManager(t *testing.T) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(filepath.Join(t.TempDir(), "secrets.db"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func testSecret(repo, key, value string) UnlockedSecret {
	return UnlockedSecret{
		Key:       key,
		Value:     value,
		Repo:      Repo(repo),
		CreatedAt: time.Now(),
		CreatedBy: "admin",
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"TOKEN", "CARGO_REGISTRY_TOKEN", "_internal", "a1"}
	for _, k := range valid {
		assert.NoError(t, ValidateKey(k), "%q should be valid", k)
	}

	invalid := []string{"", "1TOKEN", "MY-TOKEN", "MY TOKEN", "token!"}
	for _, k := range invalid {
		assert.ErrorIs(t, ValidateKey(k), ErrInvalidKeyIdent, "%q should be invalid", k)
	}
}

func TestAddAndGetSecrets(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	assert.NoError(t, m.AddSecret(ctx, testSecret("acme/repo", "TOKEN", "hunter2")))
	assert.NoError(t, m.AddSecret(ctx, testSecret("acme/repo", "API_KEY", "xyz")))
	assert.NoError(t, m.AddSecret(ctx, testSecret("acme/other", "TOKEN", "different")))

	unlocked, err := m.GetSecretsUnlocked(ctx, "acme/repo")
	assert.NoError(t, err)
	assert.Len(t, unlocked, 2)

	values := map[string]string{}
	for _, s := range unlocked {
		values[s.Key] = s.Value
		assert.Equal(t, Repo("acme/repo"), s.Repo)
		assert.False(t, s.CreatedAt.IsZero())
	}
	assert.Equal(t, "hunter2", values["TOKEN"])
	assert.Equal(t, "xyz", values["API_KEY"])
}

func TestGetSecretsLockedHidesValues(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	assert.NoError(t, m.AddSecret(ctx, testSecret("acme/repo", "TOKEN", "hunter2")))

	locked, err := m.GetSecretsLocked(ctx, "acme/repo")
	assert.NoError(t, err)
	assert.Len(t, locked, 1)
	assert.Equal(t, "TOKEN", locked[0].Key)
}

func TestAddSecretDuplicateKey(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	assert.NoError(t, m.AddSecret(ctx, testSecret("acme/repo", "TOKEN", "hunter2")))
	err := m.AddSecret(ctx, testSecret("acme/repo", "TOKEN", "other"))
	assert.ErrorIs(t, err, ErrKeyAlreadyPresent)

	// the original value is untouched
	unlocked, err := m.GetSecretsUnlocked(ctx, "acme/repo")
	assert.NoError(t, err)
	assert.Equal(t, "hunter2", unlocked[0].Value)
}

func TestAddSecretInvalidKey(t *testing.T) {
	m := testManager(t)

	err := m.AddSecret(context.Background(), testSecret("acme/repo", "MY-TOKEN", "v"))
	assert.ErrorIs(t, err, ErrInvalidKeyIdent)
}

func TestRemoveSecret(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	assert.NoError(t, m.AddSecret(ctx, testSecret("acme/repo", "TOKEN", "hunter2")))
	assert.NoError(t, m.RemoveSecret(ctx, Secret[any]{Repo: "acme/repo", Key: "TOKEN"}))

	unlocked, err := m.GetSecretsUnlocked(ctx, "acme/repo")
	assert.NoError(t, err)
	assert.Empty(t, unlocked)

	err = m.RemoveSecret(ctx, Secret[any]{Repo: "acme/repo", Key: "TOKEN"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
