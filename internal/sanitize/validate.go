package sanitize

import (
	"regexp"
	"strconv"
	"strings"

	proxy "github.com/lassohq/lasso/internal"
)

// Category shape validators. The moderation model proposes candidate values;
// only candidates that actually conform to their category are counted, so a
// hallucinated match can never block a request.

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// ValidEmail reports whether s is a plausible email address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(strings.TrimSpace(s))
}

// ValidIPv4 reports whether s is a dotted-quad IPv4 address with in-range octets.
func ValidIPv4(s string) bool {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
		if len(p) > 1 && p[0] == '0' {
			return false
		}
	}
	return true
}

// ValidIBAN reports whether s passes the ISO 13616 shape and mod-97 check.
func ValidIBAN(s string) bool {
	iban := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	if iban[0] < 'A' || iban[0] > 'Z' || iban[1] < 'A' || iban[1] > 'Z' {
		return false
	}
	for i := 2; i < len(iban); i++ {
		c := iban[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	// Rearrange and compute mod 97 incrementally to avoid big integers.
	rearranged := iban[4:] + iban[:4]
	rem := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		if c >= '0' && c <= '9' {
			rem = (rem*10 + int(c-'0')) % 97
		} else {
			v := int(c-'A') + 10
			rem = (rem*100 + v) % 97
		}
	}
	return rem == 1
}

// Valid reports whether candidate conforms to the category's shape.
func Valid(cat proxy.Category, candidate string) bool {
	switch cat {
	case proxy.CategoryEmail:
		return ValidEmail(candidate)
	case proxy.CategoryIPv4:
		return ValidIPv4(candidate)
	case proxy.CategoryIBAN:
		return ValidIBAN(candidate)
	}
	return false
}
