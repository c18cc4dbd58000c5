package message

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValidateCiphertext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content []byte
		nonce   []byte
		wantErr error
	}{
		{"valid", []byte("ciphertext"), []byte("nonce"), nil},
		{"empty content", nil, []byte("nonce"), ErrEmptyCiphertext},
		{"empty nonce", []byte("ciphertext"), nil, ErrEmptyNonce},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := ValidateCiphertext(tt.content, tt.nonce); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateCiphertext() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input int
		want  int
	}{
		{"zero defaults", 0, DefaultLimit},
		{"negative defaults", -1, DefaultLimit},
		{"within range", 25, 25},
		{"at minimum boundary", 1, 1},
		{"at maximum boundary", MaxLimit, MaxLimit},
		{"exceeds maximum", MaxLimit + 1, MaxLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClampLimit(tt.input); got != tt.want {
				t.Errorf("ClampLimit(%d) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

// TestCursorRoundTrip covers the round-trip law: encode(created_at, id) then
// decode yields back the same (timestamp_micros, id) pair exactly.
func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	id := uuid.New()

	encoded := EncodeCursor(createdAt, id)
	decoded, err := DecodeCursor(encoded)
	if err != nil {
		t.Fatalf("DecodeCursor() error = %v", err)
	}
	if decoded.ID != id {
		t.Errorf("decoded ID = %v, want %v", decoded.ID, id)
	}
	if decoded.CreatedAt.UnixMicro() != createdAt.UnixMicro() {
		t.Errorf("decoded CreatedAt = %v (micros %d), want micros %d",
			decoded.CreatedAt, decoded.CreatedAt.UnixMicro(), createdAt.UnixMicro())
	}
}

func TestDecodeCursor_empty(t *testing.T) {
	t.Parallel()
	cursor, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("DecodeCursor(\"\") error = %v", err)
	}
	if cursor != nil {
		t.Errorf("DecodeCursor(\"\") = %+v, want nil", cursor)
	}
}

func TestDecodeCursor_malformed(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"not-base64!!!", "aGVsbG8=", "MTIzfG5vdC1hLXV1aWQ="} {
		if _, err := DecodeCursor(bad); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("DecodeCursor(%q) error = %v, want ErrInvalidCursor", bad, err)
		}
	}
}
