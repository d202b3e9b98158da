package validation

import "strings"

const (
	maxEmailLength = 254
	maxLocalLength = 64
)

// localChars is the accepted character set for the local part, beyond
// letters and digits.
const localChars = ".!#$%&'*+/=?^_`{|}~-"

// IsValidEmail reports whether an address is acceptable as a participant
// identity. The domain must carry at least one dot so bare hostnames
// from misconfigured clients are rejected.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > maxEmailLength {
		return false
	}

	local, domain, found := strings.Cut(email, "@")
	if !found {
		return false
	}
	return validLocal(local) && validDomain(domain)
}

func validLocal(local string) bool {
	if local == "" || len(local) > maxLocalLength {
		return false
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") {
		return false
	}
	if strings.Contains(local, "..") {
		return false
	}
	for _, r := range local {
		if !isAlphanumeric(r) && !strings.ContainsRune(localChars, r) {
			return false
		}
	}
	return true
}

// validDomain requires at least two dot-separated labels, each starting
// and ending alphanumeric with optional interior hyphens.
func validDomain(domain string) bool {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}
	return true
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	for i, r := range label {
		if isAlphanumeric(r) {
			continue
		}
		if r == '-' && i > 0 && i < len(label)-1 {
			continue
		}
		return false
	}
	return true
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
