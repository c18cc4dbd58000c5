package authflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	verifyTTL       = 600 * time.Second
	recoverTTL      = 600 * time.Second
	challengeTTL    = 60 * time.Second
	attemptsPerCode = 5
)

// verifyRecord is the value stored under verify:<email> between
// RegisterStart and RegisterVerify.
type verifyRecord struct {
	Code              string `json:"code"`
	DisplayName       string `json:"display_name"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

// recoverRecord is the value stored under recover:<email> between
// RecoveryStart and RecoveryVerify.
type recoverRecord struct {
	Code              string `json:"code"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

// challengeRecord is the value stored under challenge:<public_key> between
// LoginChallenge and LoginVerify.
type challengeRecord struct {
	Challenge string `json:"challenge"`
	Exists    bool   `json:"exists"`
}

func verifyKey(email string) string  { return "verify:" + email }
func recoverKey(email string) string { return "recover:" + email }
func challengeKey(key string) string { return "challenge:" + key }

// generateSixDigitCode returns a code in "{:06}" form drawn uniformly from
// 0..1_000_000, per the registration/recovery email flows.
func generateSixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// generateChallenge returns 32 random bytes, base64 encoded, for the login
// challenge-response handshake.
func generateChallenge() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// codeCheckScript performs the atomic "get → compare → decrement or
// delete" used by both RegisterVerify and RecoveryVerify, expressed once
// here since the two records share the same shape modulo display_name.
// Redis's embedded cjson gives us structured access without a round trip.
//
//	KEYS[1] = verify:<email> or recover:<email>
//	ARGV[1] = supplied code
//
// Returns a JSON object {status, display_name}; status is one of
// "missing", "exhausted", "mismatch", "ok".
var codeCheckScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    return cjson.encode({status = "missing"})
end

local rec = cjson.decode(raw)
if rec.attempts_remaining <= 0 then
    redis.call('DEL', KEYS[1])
    return cjson.encode({status = "exhausted"})
end

if rec.code == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return cjson.encode({status = "ok", display_name = rec.display_name or ""})
end

local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
    ttl = 600
end
rec.attempts_remaining = rec.attempts_remaining - 1
redis.call('SET', KEYS[1], cjson.encode(rec), 'EX', ttl)
return cjson.encode({status = "mismatch"})
`)

type codeCheckResult struct {
	Status      string `json:"status"`
	DisplayName string `json:"display_name"`
}

// checkCode runs codeCheckScript against the given key and unmarshals its result.
func checkCode(ctx context.Context, rdb *redis.Client, key, code string) (codeCheckResult, error) {
	raw, err := codeCheckScript.Run(ctx, rdb, []string{key}, code).Text()
	if err != nil {
		return codeCheckResult{}, fmt.Errorf("run code check script: %w", err)
	}
	var res codeCheckResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return codeCheckResult{}, fmt.Errorf("decode code check result: %w", err)
	}
	return res, nil
}

// storeVerifyRecord writes verify:<email> with a fresh TTL, overwriting any prior pending code for the address.
func storeVerifyRecord(ctx context.Context, rdb *redis.Client, email string, rec verifyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal verify record: %w", err)
	}
	if err := rdb.Set(ctx, verifyKey(email), data, verifyTTL).Err(); err != nil {
		return fmt.Errorf("store verify record: %w", err)
	}
	return nil
}

// storeRecoverRecord writes recover:<email> with a fresh TTL, overwriting any prior pending code for the address.
func storeRecoverRecord(ctx context.Context, rdb *redis.Client, email string, rec recoverRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal recover record: %w", err)
	}
	if err := rdb.Set(ctx, recoverKey(email), data, recoverTTL).Err(); err != nil {
		return fmt.Errorf("store recover record: %w", err)
	}
	return nil
}

// storeChallengeRecord writes challenge:<public_key> with a fresh TTL.
func storeChallengeRecord(ctx context.Context, rdb *redis.Client, keyB64 string, rec challengeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal challenge record: %w", err)
	}
	if err := rdb.Set(ctx, challengeKey(keyB64), data, challengeTTL).Err(); err != nil {
		return fmt.Errorf("store challenge record: %w", err)
	}
	return nil
}

// takeChallengeRecord atomically fetches and deletes challenge:<public_key>.
var errChallengeNotFound = errors.New("challenge not found or expired")

func takeChallengeRecord(ctx context.Context, rdb *redis.Client, keyB64 string) (challengeRecord, error) {
	raw, err := rdb.GetDel(ctx, challengeKey(keyB64)).Result()
	if errors.Is(err, redis.Nil) {
		return challengeRecord{}, errChallengeNotFound
	}
	if err != nil {
		return challengeRecord{}, fmt.Errorf("take challenge record: %w", err)
	}
	var rec challengeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return challengeRecord{}, fmt.Errorf("decode challenge record: %w", err)
	}
	return rec, nil
}
