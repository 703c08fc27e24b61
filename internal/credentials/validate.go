package credentials

import (
	"strings"

	"github.com/danshapiro/mcpchat/internal/providerspec"
)

// Valid applies the provider's credential rule to value. Unknown providers
// never validate.
func Valid(provider, value string) bool {
	spec, ok := providerspec.Builtin(provider)
	if !ok || spec.Credential == nil {
		return false
	}
	return CheckRule(spec.Credential.Rule, value)
}

// CheckRule reports whether value satisfies prefix, length, exact-reject and
// blacklist checks.
func CheckRule(rule providerspec.CredentialRule, value string) bool {
	if value == "" {
		return false
	}
	if !strings.HasPrefix(value, rule.Prefix) {
		return false
	}
	if len(value) < rule.MinLength {
		return false
	}
	for _, r := range rule.Rejected {
		if value == r {
			return false
		}
	}
	lower := strings.ToLower(value)
	for _, bad := range rule.Blacklist {
		if bad != "" && strings.Contains(lower, strings.ToLower(bad)) {
			return false
		}
	}
	return true
}

// Mask renders a credential for display without revealing it.
func Mask(value string) string {
	switch {
	case value == "":
		return "not set"
	case strings.HasPrefix(value, "sk-placeholder"),
		strings.HasPrefix(value, "sk-ant-placeholder"),
		strings.HasPrefix(value, "lsv2-placeholder"):
		return "placeholder"
	case len(value) > 12:
		return value[:4] + "..." + value[len(value)-4:]
	default:
		return "***"
	}
}

type StatusEntry struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Source   Source `json:"source"`
	Masked   string `json:"masked"`
	Valid    bool   `json:"valid"`
}

// StatusReport lists every builtin credential with a masked value and validity.
func (r *Resolver) StatusReport() []StatusEntry {
	names := providerspec.CredentialNames()
	out := make([]StatusEntry, 0, len(names))
	for _, name := range names {
		rec := r.Resolve(name)
		out = append(out, StatusEntry{
			Name:     name,
			Provider: rec.Provider,
			Source:   rec.Source,
			Masked:   Mask(rec.Value),
			Valid:    Valid(rec.Provider, rec.Value),
		})
	}
	return out
}
