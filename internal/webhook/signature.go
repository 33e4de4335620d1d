package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const SignatureHeader = "Payment-Signature"

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks "t=<unix>,v1=<hex hmac-sha256 of t.body>" signatures.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

func (v *Verifier) Verify(header string, body []byte) error {
	if len(v.secret) == 0 {
		return errors.Wrap(ErrInvalidSignature, "no webhook secret configured")
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return errors.Wrap(ErrInvalidSignature, "malformed header")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "malformed timestamp")
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if v.tolerance > 0 && (age > v.tolerance || age < -v.tolerance) {
		return errors.Wrap(ErrInvalidSignature, "timestamp outside tolerance")
	}

	expected := v.sign(ts, body)
	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err == nil && hmac.Equal(got, expected) {
			return nil
		}
	}
	return errors.Wrap(ErrInvalidSignature, "no matching signature")
}

// Header builds a signature header for body at t.
func (v *Verifier) Header(body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(v.sign(ts, body))
}

func (v *Verifier) sign(ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
