package tokens_test

import (
	"testing"
	"time"

	"github.com/castworks/cw-studio/internal/tokens"
)

func TestPreviewTokenRoundTrip(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key")

	token, err := mgr.GeneratePreviewToken(time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := mgr.ValidatePreviewToken(token); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key")

	token, err := mgr.GeneratePreviewToken(-time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := mgr.ValidatePreviewToken(token); err == nil {
		t.Error("expected validation error for expired token")
	}
}

func TestInvalidSignature(t *testing.T) {
	mgr1 := tokens.NewManager("secret-1")
	mgr2 := tokens.NewManager("secret-2")

	token, _ := mgr1.GeneratePreviewToken(time.Minute)
	if err := mgr2.ValidatePreviewToken(token); err == nil {
		t.Error("expected validation error for wrong signature")
	}
}
