package approval_test

import (
	"errors"
	"testing"
	"time"

	"hearth/internal/engine/approval"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := approval.Mint("secret", "task-1", "parent-1", 5*time.Minute, now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	actor, err := approval.Verify("secret", token, "task-1", now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if actor != "parent-1" {
		t.Fatalf("actor = %s, want parent-1", actor)
	}
}

func TestVerifyUsesInjectedClock(t *testing.T) {
	// Mint and verify against a fixed clock far from wall time; expiry
	// must be judged against the caller's now, not the ambient clock.
	minted := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	token, err := approval.Mint("secret", "task-1", "parent-1", 5*time.Minute, minted)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := approval.Verify("secret", token, "task-1", minted.Add(time.Minute)); err != nil {
		t.Fatalf("verify within ttl: %v", err)
	}
	if _, err := approval.Verify("secret", token, "task-1", minted.Add(time.Hour)); !errors.Is(err, approval.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken past ttl", err)
	}
}

func TestVerifyRejectsWrongTask(t *testing.T) {
	now := time.Now()
	token, err := approval.Mint("secret", "task-1", "parent-1", 5*time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := approval.Verify("secret", token, "task-2", now); !errors.Is(err, approval.ErrTaskMismatch) {
		t.Fatalf("err = %v, want ErrTaskMismatch", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Now()
	token, err := approval.Mint("secret", "task-1", "parent-1", 5*time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := approval.Verify("other", token, "task-1", now); !errors.Is(err, approval.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestMintRequiresSecret(t *testing.T) {
	if _, err := approval.Mint("", "task-1", "parent-1", time.Minute, time.Now()); !errors.Is(err, approval.ErrSecretNotConfigured) {
		t.Fatalf("err = %v, want ErrSecretNotConfigured", err)
	}
}
