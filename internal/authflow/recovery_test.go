package authflow

import (
	"context"
	"errors"
	"testing"
)

func TestRecoveryStart_alwaysWritesCodeButOnlyEmailsExistingAccounts(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)
	ctx := context.Background()

	if _, err := d.users.Create(ctx, existingUserParams("erin@example.com")); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	if err := d.svc.RecoveryStart(ctx, "erin@example.com"); err != nil {
		t.Fatalf("RecoveryStart() for existing account error = %v", err)
	}
	d.mailer.mu.Lock()
	_, sentExisting := d.mailer.recoveryCode["erin@example.com"]
	d.mailer.mu.Unlock()
	if !sentExisting {
		t.Error("expected a recovery code to be sent for an existing account")
	}

	if err := d.svc.RecoveryStart(ctx, "ghost@example.com"); err != nil {
		t.Fatalf("RecoveryStart() for unknown account error = %v", err)
	}
	d.mailer.mu.Lock()
	_, sentGhost := d.mailer.recoveryCode["ghost@example.com"]
	d.mailer.mu.Unlock()
	if sentGhost {
		t.Error("expected no recovery code to be sent for a nonexistent account")
	}
}

func TestRecoveryVerify_matchIssuesRecoveryToken(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)
	ctx := context.Background()

	u, err := d.users.Create(ctx, existingUserParams("frank@example.com"))
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	if err := d.svc.RecoveryStart(ctx, "frank@example.com"); err != nil {
		t.Fatalf("RecoveryStart() error = %v", err)
	}
	d.mailer.mu.Lock()
	code := d.mailer.recoveryCode["frank@example.com"]
	d.mailer.mu.Unlock()

	recToken, err := d.svc.RecoveryVerify(ctx, "frank@example.com", code)
	if err != nil {
		t.Fatalf("RecoveryVerify() error = %v", err)
	}
	if recToken == "" {
		t.Fatal("expected non-empty recovery token")
	}
	_ = u
}

func TestRecoveryVerify_missingRecordRejected(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)

	_, err := d.svc.RecoveryVerify(context.Background(), "nobody@example.com", "123456")
	if !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("RecoveryVerify() error = %v, want ErrCodeNotFound", err)
	}
}
