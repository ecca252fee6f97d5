package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/agent-warden/warden/internal/adapter/outbound/memory"
	"github.com/agent-warden/warden/internal/domain/auth"
)

func newKeyHarness(t *testing.T) (*KeyService, *memory.AuthStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewAuthStore()
	svc := NewKeyService(store, store, auth.DefaultPrefixLength, logger)
	if _, err := svc.CreateEnv(context.Background(), "env-1", "One"); err != nil {
		t.Fatalf("create env: %v", err)
	}
	return svc, store
}

func TestKeyService_MintKey(t *testing.T) {
	t.Parallel()
	svc, _ := newKeyHarness(t)
	ctx := context.Background()

	if _, _, err := svc.MintKey(ctx, "env-1", ""); err == nil {
		t.Error("MintKey accepted an empty name")
	}
	if _, _, err := svc.MintKey(ctx, "env-missing", "ci"); !errors.Is(err, auth.ErrEnvNotFound) {
		t.Errorf("err = %v, want ErrEnvNotFound", err)
	}

	raw, key, err := svc.MintKey(ctx, "env-1", "ci")
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	if !strings.HasPrefix(raw, auth.KeyPrefix) {
		t.Errorf("raw key %q missing %q prefix", raw, auth.KeyPrefix)
	}
	if key.Prefix != raw[:auth.DefaultPrefixLength] {
		t.Errorf("Prefix = %q, want %q", key.Prefix, raw[:auth.DefaultPrefixLength])
	}
	if key.KeyHash != auth.HashKey(raw) {
		t.Error("stored hash does not match the raw key")
	}
	if key.EnvID != "env-1" || key.Name != "ci" {
		t.Errorf("key env/name = %s/%s, want env-1/ci", key.EnvID, key.Name)
	}

	stored, err := svc.GetKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if stored.KeyHash != key.KeyHash {
		t.Error("stored record differs from returned record")
	}
}

func TestKeyService_MintedKeyAuthenticates(t *testing.T) {
	t.Parallel()
	svc, store := newKeyHarness(t)
	ctx := context.Background()

	raw, key, err := svc.MintKey(ctx, "env-1", "agent")
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}

	authn := auth.NewAuthenticator(store, 20, auth.DefaultPrefixLength)
	got, err := authn.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("authenticated key %s, want %s", got.ID, key.ID)
	}
}

func TestKeyService_RevokeKey(t *testing.T) {
	t.Parallel()
	svc, store := newKeyHarness(t)
	ctx := context.Background()

	raw, key, err := svc.MintKey(ctx, "env-1", "agent")
	if err != nil {
		t.Fatalf("MintKey: %v", err)
	}
	if err := svc.RevokeKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}

	stored, err := svc.GetKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if !stored.Revoked() {
		t.Error("key not marked revoked")
	}

	// The raw key keeps matching its record so the caller can be told the
	// key is revoked rather than unknown.
	authn := auth.NewAuthenticator(store, 20, auth.DefaultPrefixLength)
	if _, err := authn.Authenticate(ctx, raw); !errors.Is(err, auth.ErrKeyRevoked) {
		t.Errorf("err = %v, want ErrKeyRevoked", err)
	}

	if err := svc.RevokeKey(ctx, "key-missing"); !errors.Is(err, auth.ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestKeyService_ListKeys(t *testing.T) {
	t.Parallel()
	svc, _ := newKeyHarness(t)
	ctx := context.Background()

	for _, name := range []string{"one", "two"} {
		if _, _, err := svc.MintKey(ctx, "env-1", name); err != nil {
			t.Fatalf("MintKey %s: %v", name, err)
		}
	}

	keys, err := svc.ListKeys(ctx, "env-1")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	names := make(map[string]bool, len(keys))
	for _, k := range keys {
		names[k.Name] = true
	}
	if !names["one"] || !names["two"] {
		t.Errorf("key names = %v, want one and two", names)
	}
}

func TestKeyService_CreateEnv(t *testing.T) {
	t.Parallel()
	svc, _ := newKeyHarness(t)
	ctx := context.Background()

	if _, err := svc.CreateEnv(ctx, "", "x"); err == nil {
		t.Error("CreateEnv accepted an empty id")
	}
	if _, err := svc.CreateEnv(ctx, "env-1", "dup"); !errors.Is(err, auth.ErrEnvExists) {
		t.Errorf("err = %v, want ErrEnvExists", err)
	}

	env, err := svc.CreateEnv(ctx, "env-2", "")
	if err != nil {
		t.Fatalf("CreateEnv: %v", err)
	}
	if env.Name != "env-2" {
		t.Errorf("Name = %q, want the id as fallback", env.Name)
	}

	envs, err := svc.ListEnvs(ctx)
	if err != nil {
		t.Fatalf("ListEnvs: %v", err)
	}
	if len(envs) != 2 {
		t.Errorf("got %d environments, want 2", len(envs))
	}
}
