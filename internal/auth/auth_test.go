package auth

import (
	"errors"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	m, err := NewManager([]User{{Username: "alice", PasswordHash: hash}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := m.Authenticate("alice", "hunter2"); err != nil {
		t.Errorf("correct password: %v", err)
	}
	if err := m.Authenticate("alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if err := m.Authenticate("mallory", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestNewManagerRejectsBadEntries(t *testing.T) {
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	cases := []struct {
		name  string
		users []User
	}{
		{"missing hash", []User{{Username: "alice"}}},
		{"missing username", []User{{PasswordHash: hash}}},
		{"not a bcrypt hash", []User{{Username: "alice", PasswordHash: "plaintext"}}},
		{"duplicate user", []User{
			{Username: "alice", PasswordHash: hash},
			{Username: "alice", PasswordHash: hash},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(tc.users); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEmptyManagerRejectsEveryone(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Authenticate("anyone", "anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
}
