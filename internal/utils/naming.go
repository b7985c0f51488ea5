package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	camelSeparator = regexp.MustCompile(`(^|[_\W]+)([a-zA-Z])`)
	upperLetter    = regexp.MustCompile(`[A-Z]`)
)

// ToCamelCase converts a store-side name such as "scan_session" into "ScanSession"
func ToCamelCase(s string) (string, error) {
	if err := checkName(s); err != nil {
		return "", err
	}
	if strings.IndexFunc(s, unicode.IsUpper) >= 0 {
		return "", fmt.Errorf("name %q must not contain uppercase letters", s)
	}
	return camelSeparator.ReplaceAllStringFunc(s, func(m string) string {
		return strings.ToUpper(m[len(m)-1:])
	}), nil
}

// FromCamelCase converts a program-side name such as "ScanSession" into "scan_session"
func FromCamelCase(s string) (string, error) {
	if err := checkName(s); err != nil {
		return "", err
	}
	out := upperLetter.ReplaceAllStringFunc(s, func(m string) string {
		return "_" + strings.ToLower(m)
	})
	return strings.TrimPrefix(out, "_"), nil
}

func checkName(s string) error {
	if s == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return fmt.Errorf("name %q must not contain whitespace", s)
	}
	if unicode.IsDigit(rune(s[0])) {
		return fmt.Errorf("name %q must not start with a digit", s)
	}
	return nil
}
