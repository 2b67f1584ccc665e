// Package totp generates and verifies time-based one-time passwords for
// accounts that carry TOTP as ongoing 2FA.
package totp

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"time"

	"github.com/pquerna/otp/totp"
)

// GenerateSecret returns a fresh base32 secret (32 chars, no padding).
func GenerateSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// Code returns the current code for a secret.
func Code(secret string) (string, error) {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return "", fmt.Errorf("generate totp code: %w", err)
	}
	return code, nil
}

// Verify checks a code against a secret. The library allows one period of
// clock skew in either direction.
func Verify(secret, code string) bool {
	return totp.Validate(code, secret)
}

// ProvisioningURI returns the otpauth:// URI for QR enrollment.
func ProvisioningURI(secret, username, issuer string) string {
	if issuer == "" {
		issuer = "SOVI"
	}
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	return fmt.Sprintf("otpauth://totp/%s:%s?%s",
		url.PathEscape(issuer), url.PathEscape(username), v.Encode())
}
