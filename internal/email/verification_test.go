package email

import (
	"strings"
	"testing"
)

func TestSendVerificationCodeComposition(t *testing.T) {
	t.Parallel()

	ln := listenTCP(t)
	defer func() { _ = ln.Close() }()

	captured := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveSMTP(t, ln, captured)
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	c := NewClient(host, port, "", "", "noreply@example.com")

	if err := c.SendVerificationCode("alice@example.com", "123456"); err != nil {
		t.Fatalf("SendVerificationCode() error = %v", err)
	}

	_ = ln.Close()
	<-done

	data := <-captured

	checks := []struct {
		label string
		want  string
	}{
		{"subject", "Subject: Your OpenConv verification code"},
		{"code", "123456"},
		{"expiry note", "10 minutes"},
	}
	for _, c := range checks {
		if !strings.Contains(data, c.want) {
			t.Errorf("verification email missing %s: want substring %q in %q", c.label, c.want, data)
		}
	}
}

func TestSendRecoveryCodeComposition(t *testing.T) {
	t.Parallel()

	ln := listenTCP(t)
	defer func() { _ = ln.Close() }()

	captured := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveSMTP(t, ln, captured)
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	c := NewClient(host, port, "", "", "noreply@example.com")

	if err := c.SendRecoveryCode("alice@example.com", "654321"); err != nil {
		t.Fatalf("SendRecoveryCode() error = %v", err)
	}

	_ = ln.Close()
	<-done

	data := <-captured
	if !strings.Contains(data, "654321") {
		t.Errorf("recovery email missing code: %q", data)
	}
	if !strings.Contains(data, "Subject: Your OpenConv account recovery code") {
		t.Errorf("recovery email missing subject: %q", data)
	}
}
