package approver

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	m, err := NewManager([]byte("0123456789abcdef"), "warden-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	token, err := m.Issue("alice", []string{"backend"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	id, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Name != "alice" {
		t.Errorf("name = %q", id.Name)
	}
	if !id.MayDecide("backend") || id.MayDecide("frontend") {
		t.Error("scope restriction not enforced")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	m1, _ := NewManager([]byte("0123456789abcdef"), "warden-test", time.Hour)
	m2, _ := NewManager([]byte("fedcba9876543210"), "warden-test", time.Hour)

	token, _ := m1.Issue("mallory", nil)
	if _, err := m2.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	m, _ := NewManager([]byte("0123456789abcdef"), "warden-test", time.Millisecond)
	token, _ := m.Issue("bob", nil)
	time.Sleep(5 * time.Millisecond)

	if _, err := m.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("got %v, want ErrExpiredToken", err)
	}
}

func TestUnrestrictedIdentityDecidesAnywhere(t *testing.T) {
	m, _ := NewManager([]byte("0123456789abcdef"), "warden-test", time.Hour)
	token, _ := m.Issue("root-approver", nil)

	id, err := m.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if !id.MayDecide("anything") {
		t.Error("empty scope list should mean all scopes")
	}
}

func TestNewManager_RejectsShortSecret(t *testing.T) {
	if _, err := NewManager([]byte("short"), "x", 0); err == nil {
		t.Error("short secret must be rejected")
	}
}
