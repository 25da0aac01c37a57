package cryptoprov

import (
	"strings"

	"github.com/effective-security/xlog"
)

// AliasPolicy specifies how the alias for signing is selected
type AliasPolicy int

const (
	// PolicyListOnly enumerates the store, no alias is selected for signing
	PolicyListOnly AliasPolicy = iota
	// PolicyExplicit uses the alias provided by the caller
	PolicyExplicit
	// PolicyFirst uses the first enumerated alias that holds a private key.
	// The enumeration order is defined by the store, and is not
	// guaranteed to be stable across store implementations.
	PolicyFirst
)

// String returns the policy name
func (p AliasPolicy) String() string {
	switch p {
	case PolicyListOnly:
		return "list"
	case PolicyExplicit:
		return "explicit"
	case PolicyFirst:
		return "first"
	default:
		return "unknown"
	}
}

// ParseAliasPolicy returns policy by name
func ParseAliasPolicy(name string) (AliasPolicy, error) {
	switch strings.ToLower(name) {
	case "list", "":
		return PolicyListOnly, nil
	case "explicit", "alias":
		return PolicyExplicit, nil
	case "first":
		return PolicyFirst, nil
	default:
		return PolicyListOnly, Errorf(ErrConfiguration, "unsupported alias policy: %q", name)
	}
}

// Selection specifies the alias policy for one invocation
type Selection struct {
	Policy AliasPolicy
	// Alias is required for PolicyExplicit, and must be empty otherwise
	Alias string
}

// Resolve returns the alias to sign with, according to the selection
func (s *Session) Resolve(sel Selection) (string, error) {
	switch sel.Policy {
	case PolicyExplicit:
		if sel.Alias == "" {
			return "", Errorf(ErrConfiguration, "alias is required")
		}
		c, err := s.Classify(sel.Alias)
		if err != nil {
			return "", err
		}
		if !c.HasKey {
			return "", Errorf(ErrNotFound, "private key not found: %q", sel.Alias)
		}
		return sel.Alias, nil

	case PolicyFirst:
		if sel.Alias != "" {
			return "", Errorf(ErrConfiguration, "alias must not be specified with %s policy", sel.Policy)
		}
		for alias, err := range s.Aliases() {
			if err != nil {
				return "", err
			}
			c, err := s.Classify(alias)
			if err != nil {
				return "", err
			}
			if c.HasKey {
				logger.KV(xlog.INFO, "policy", sel.Policy, "alias", alias)
				return alias, nil
			}
		}
		return "", Errorf(ErrNotFound, "no key entries found in the store")

	case PolicyListOnly:
		return "", Errorf(ErrConfiguration, "signing is not allowed with %s policy", sel.Policy)

	default:
		return "", Errorf(ErrConfiguration, "unsupported alias policy: %d", sel.Policy)
	}
}
