package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidInput wraps every validation failure.
var ErrInvalidInput = errors.New("invalid input")

// MaxThemeLength bounds the theme sent as the run's opening message.
const MaxThemeLength = 500

var (
	// threadIDRegex matches ids that are safe as a single URL path segment
	threadIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)
)

// ValidateThreadID validates a server-issued thread id. Servers normally
// issue UUIDs, but any id that is safe as a path segment is accepted.
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: thread ID cannot be empty", ErrInvalidInput)
	}
	if id == "." || id == ".." || !threadIDRegex.MatchString(id) {
		return fmt.Errorf("%w: invalid thread ID format: %q", ErrInvalidInput, id)
	}
	return nil
}

// NormalizeTheme trims the theme and checks it is usable.
func NormalizeTheme(theme string) (string, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return "", fmt.Errorf("%w: theme cannot be empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(theme); n > MaxThemeLength {
		return "", fmt.Errorf("%w: theme too long: %d characters (max %d)", ErrInvalidInput, n, MaxThemeLength)
	}
	for _, r := range theme {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return "", fmt.Errorf("%w: theme contains control character %U", ErrInvalidInput, r)
		}
	}
	return theme, nil
}

// ValidateBaseURL checks the server address is an absolute http(s) URL
func ValidateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: base URL cannot be empty", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid base URL: %v", ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: base URL must use http or https: %s", ErrInvalidInput, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: base URL has no host: %s", ErrInvalidInput, raw)
	}
	return nil
}
