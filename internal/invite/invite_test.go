package invite

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateCode(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 100 {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode() error: %v", err)
		}
		if len(code) != CodeLength {
			t.Fatalf("code length = %d, want %d", len(code), CodeLength)
		}
		for _, c := range code {
			if !strings.ContainsRune(base62Alphabet, c) {
				t.Fatalf("code %q contains non-base62 character %q", code, c)
			}
		}
		seen[code] = true
	}
	// 100 draws from a 62^8 space colliding would indicate a broken RNG.
	if len(seen) < 100 {
		t.Errorf("got %d distinct codes out of 100", len(seen))
	}
}

func TestUsable(t *testing.T) {
	t.Parallel()

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	two := 2

	tests := []struct {
		name string
		inv  Invite
		want error
	}{
		{"no limits", Invite{}, nil},
		{"unexpired", Invite{ExpiresAt: &future}, nil},
		{"expired", Invite{ExpiresAt: &past}, ErrExpired},
		{"uses remaining", Invite{MaxUses: &two, UseCount: 1}, nil},
		{"uses exhausted", Invite{MaxUses: &two, UseCount: 2}, ErrMaxUsesReached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.inv.Usable(now); !errors.Is(err, tt.want) {
				t.Errorf("Usable() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateParamsValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	zero := 0
	one := 1
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if err := (CreateParams{}).Validate(now); err != nil {
		t.Errorf("empty params rejected: %v", err)
	}
	if err := (CreateParams{MaxUses: &one, ExpiresAt: &future}).Validate(now); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	if err := (CreateParams{MaxUses: &zero}).Validate(now); !errors.Is(err, ErrInvalidMaxUses) {
		t.Errorf("zero max uses: got %v, want ErrInvalidMaxUses", err)
	}
	if err := (CreateParams{ExpiresAt: &past}).Validate(now); !errors.Is(err, ErrInvalidExpiry) {
		t.Errorf("past expiry: got %v, want ErrInvalidExpiry", err)
	}
}
