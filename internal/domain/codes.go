package domain

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

var codeEncoding = base32.NewEncoding("ABCDEFGHJKLMNPQRSTUVWXYZ23456789").WithPadding(base32.NoPadding)

// NewRedemptionCode returns a code like TKT-7KQ2-M9XD-H4WA. Uniqueness is
// enforced by the store.
func NewRedemptionCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := codeEncoding.EncodeToString(buf)[:12]
	return "TKT-" + strings.Join([]string{raw[0:4], raw[4:8], raw[8:12]}, "-"), nil
}
