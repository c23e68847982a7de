package adapter

import (
	"errors"
	"testing"
	"time"
)

func TestTokenSigner_RoundTrip(t *testing.T) {
	signer := NewTokenSigner([]byte("test-secret"))
	deadline := time.Now().Add(time.Hour).Truncate(time.Second)

	token, err := signer.Issue("exec-1", "approve-step", deadline)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.ExecutionID != "exec-1" || claims.NodeID != "approve-step" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.ExpiresAt.Equal(deadline) {
		t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, deadline)
	}
}

func TestTokenSigner_NoDeadline(t *testing.T) {
	signer := NewTokenSigner([]byte("test-secret"))
	token, err := signer.Issue("exec-1", "n", time.Time{})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !claims.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", claims.ExpiresAt)
	}
}

func TestTokenSigner_Rejections(t *testing.T) {
	signer := NewTokenSigner([]byte("test-secret"))

	t.Run("wrong secret", func(t *testing.T) {
		token, _ := NewTokenSigner([]byte("other-secret")).Issue("exec-1", "n", time.Time{})
		if _, err := signer.Verify(token); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("error = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token, _ := signer.Issue("exec-1", "n", time.Now().Add(-time.Minute))
		if _, err := signer.Verify(token); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("error = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := signer.Verify("not.a.jwt"); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("error = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		token, _ := signer.Issue("exec-1", "n", time.Time{})
		tampered := token[:len(token)-4] + "AAAA"
		if _, err := signer.Verify(tampered); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("error = %v, want ErrTokenInvalid", err)
		}
	})
}
