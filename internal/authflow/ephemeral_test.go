package authflow

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestGenerateSixDigitCode_shape(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		code, err := generateSixDigitCode()
		if err != nil {
			t.Fatalf("generateSixDigitCode() error = %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q not 6 digits", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q contains non-digit", code)
			}
		}
	}
}

func TestCheckCode_missing(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	ctx := context.Background()

	res, err := checkCode(ctx, rdb, verifyKey("nobody@example.com"), "000000")
	if err != nil {
		t.Fatalf("checkCode() error = %v", err)
	}
	if res.Status != "missing" {
		t.Errorf("Status = %q, want missing", res.Status)
	}
}

func TestCheckCode_matchDeletesRecord(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	ctx := context.Background()

	if err := storeVerifyRecord(ctx, rdb, "a@b.com", verifyRecord{
		Code: "123456", DisplayName: "Alice", AttemptsRemaining: attemptsPerCode,
	}); err != nil {
		t.Fatalf("storeVerifyRecord() error = %v", err)
	}

	res, err := checkCode(ctx, rdb, verifyKey("a@b.com"), "123456")
	if err != nil {
		t.Fatalf("checkCode() error = %v", err)
	}
	if res.Status != "ok" || res.DisplayName != "Alice" {
		t.Errorf("res = %+v, want status=ok display_name=Alice", res)
	}

	again, err := checkCode(ctx, rdb, verifyKey("a@b.com"), "123456")
	if err != nil {
		t.Fatalf("checkCode() second call error = %v", err)
	}
	if again.Status != "missing" {
		t.Errorf("second checkCode() status = %q, want missing (record should be deleted)", again.Status)
	}
}

func TestCheckCode_mismatchDecrementsAttempts(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	ctx := context.Background()

	if err := storeVerifyRecord(ctx, rdb, "a@b.com", verifyRecord{
		Code: "123456", DisplayName: "Alice", AttemptsRemaining: 1,
	}); err != nil {
		t.Fatalf("storeVerifyRecord() error = %v", err)
	}

	res, err := checkCode(ctx, rdb, verifyKey("a@b.com"), "000000")
	if err != nil {
		t.Fatalf("checkCode() error = %v", err)
	}
	if res.Status != "mismatch" {
		t.Errorf("Status = %q, want mismatch", res.Status)
	}

	// Attempts are now exhausted; the next wrong guess deletes the record.
	res2, err := checkCode(ctx, rdb, verifyKey("a@b.com"), "111111")
	if err != nil {
		t.Fatalf("checkCode() second error = %v", err)
	}
	if res2.Status != "exhausted" {
		t.Errorf("Status = %q, want exhausted", res2.Status)
	}

	res3, err := checkCode(ctx, rdb, verifyKey("a@b.com"), "123456")
	if err != nil {
		t.Fatalf("checkCode() third error = %v", err)
	}
	if res3.Status != "missing" {
		t.Errorf("Status = %q, want missing after exhaustion deleted the record", res3.Status)
	}
}

func TestTakeChallengeRecord_getDelSemantics(t *testing.T) {
	t.Parallel()
	rdb := newTestRedis(t)
	ctx := context.Background()

	if err := storeChallengeRecord(ctx, rdb, "a2V5", challengeRecord{Challenge: "Y2hhbGxlbmdl", Exists: true}); err != nil {
		t.Fatalf("storeChallengeRecord() error = %v", err)
	}

	rec, err := takeChallengeRecord(ctx, rdb, "a2V5")
	if err != nil {
		t.Fatalf("takeChallengeRecord() error = %v", err)
	}
	if !rec.Exists || rec.Challenge != "Y2hhbGxlbmdl" {
		t.Errorf("rec = %+v, want Exists=true Challenge=Y2hhbGxlbmdl", rec)
	}

	if _, err := takeChallengeRecord(ctx, rdb, "a2V5"); err != errChallengeNotFound {
		t.Errorf("second takeChallengeRecord() error = %v, want errChallengeNotFound", err)
	}
}
