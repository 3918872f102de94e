package auth

import (
	"errors"
	"fmt"
	"strings"
)

const MinSecretLen = 32

var ErrWeakSecret = errors.New("weak signing secret")

var placeholderSecrets = []string{
	"secret",
	"changeme",
	"change-me",
	"change_me",
	"your-secret-here",
	"your_secret_here",
	"your-256-bit-secret",
	"jwt-secret",
	"development",
	"default",
	"password",
	"test",
	"example",
}

// ValidateSecret rejects placeholder, repetitive, or short signing secrets.
// It is meant for startup; a failure should stop the process.
func ValidateSecret(secret string) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrWeakSecret)
	}
	lower := strings.ToLower(trimmed)
	for _, p := range placeholderSecrets {
		if lower == p || (len(p) >= 8 && strings.Contains(lower, p)) {
			return fmt.Errorf("%w: contains placeholder %q", ErrWeakSecret, p)
		}
	}
	if len(trimmed) < MinSecretLen {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrWeakSecret, len(trimmed), MinSecretLen)
	}
	if strings.Count(trimmed, trimmed[:1]) == len(trimmed) {
		return fmt.Errorf("%w: single repeated character", ErrWeakSecret)
	}
	distinct := make(map[rune]struct{})
	for _, r := range trimmed {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 8 {
		return fmt.Errorf("%w: too few distinct characters", ErrWeakSecret)
	}
	return nil
}
