// Package validation checks identifiers and addresses taken from
// configuration and requests.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines which characters a name may use.
type NameRules struct {
	MinLength int
	MaxLength int

	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool

	// AllowAnyPrintable accepts every printable rune except path
	// separators; the Allow* flags are then ignored.
	AllowAnyPrintable bool
}

// ServerIDRules are the rules for server IDs. IDs appear in URL paths and
// probe keys, so they stay ASCII-ish and slash free.
func ServerIDRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// MonitorNameRules are the rules for monitor names. Upstream monitors are
// named freely ("CT Shanghai", "联通-北京"), so anything printable goes.
func MonitorNameRules() NameRules {
	return NameRules{
		MinLength:         1,
		MaxLength:         255,
		AllowAnyPrintable: true,
	}
}

// ValidateName validates a name according to the given rules. Length is
// counted in runes.
func ValidateName(name string, rules NameRules) error {
	n := utf8.RuneCountInString(name)
	if n < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if rules.MaxLength > 0 && n > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("name is not valid UTF-8")
	}
	if !rules.AllowAnyPrintable && strings.TrimSpace(name) != name {
		return fmt.Errorf("name cannot start or end with whitespace")
	}

	for i, r := range name {
		if !unicode.IsPrint(r) && r != ' ' {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if rules.AllowAnyPrintable {
			continue
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateServerID validates a server ID.
func ValidateServerID(id string) error {
	if err := ValidateName(id, ServerIDRules()); err != nil {
		return fmt.Errorf("server id %q: %w", id, err)
	}
	return nil
}

// ValidateMonitorName validates a monitor name.
func ValidateMonitorName(name string) error {
	if err := ValidateName(name, MonitorNameRules()); err != nil {
		return fmt.Errorf("monitor %q: %w", name, err)
	}
	return nil
}

// =============================================================================
// Address Validation
// =============================================================================

// ValidateHostPort validates a "host:port" address. An empty host is
// allowed when allowEmptyHost is set, as in listen addresses like ":8080".
func ValidateHostPort(addr string, allowEmptyHost bool) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address %q: %w", addr, err)
	}
	if host == "" && !allowEmptyHost {
		return fmt.Errorf("address %q: host is required", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("address %q: invalid port", addr)
	}
	if port == 0 && !allowEmptyHost {
		return fmt.Errorf("address %q: port 0 cannot be dialed", addr)
	}
	return nil
}

// ValidateBaseURL validates an http(s) base URL without query or fragment.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: host is required", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("url %q: must not carry a query or fragment", raw)
	}
	return nil
}
