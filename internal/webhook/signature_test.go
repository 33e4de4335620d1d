package webhook_test

import (
	"errors"
	"testing"
	"time"

	"github.com/robertarktes/ticket-checkout/internal/webhook"
)

func TestVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := webhook.NewVerifier("whsec_test", 5*time.Minute).WithClock(func() time.Time { return now })
	body := []byte(`{"eventId":"evt_1"}`)

	header := v.Header(body, now.Add(-time.Minute))
	if err := v.Verify(header, body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := v.Verify(header, []byte(`{"eventId":"evt_2"}`)); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Fatalf("tampered body accepted: %v", err)
	}

	old := v.Header(body, now.Add(-10*time.Minute))
	if err := v.Verify(old, body); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Fatalf("stale timestamp accepted: %v", err)
	}

	other := webhook.NewVerifier("whsec_other", 5*time.Minute).Header(body, now)
	if err := v.Verify(other, body); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Fatalf("foreign secret accepted: %v", err)
	}

	for _, h := range []string{"", "t=abc,v1=00", "v1=00", "t=1700000000"} {
		if err := v.Verify(h, body); !errors.Is(err, webhook.ErrInvalidSignature) {
			t.Fatalf("malformed header %q accepted: %v", h, err)
		}
	}
}
