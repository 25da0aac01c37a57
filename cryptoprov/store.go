package cryptoprov

import (
	"context"
	"crypto"
	"crypto/x509"
	"iter"
	"sort"

	"github.com/cockroachdb/errors"
)

// Store is a credential store opened with an authenticated session.
// The store owns the private key material, only crypto.Signer handles are returned.
type Store interface {
	// Manufacturer returns manufacturer for the store
	Manufacturer() string
	// Model returns model for the store
	Model() string

	// Aliases returns the aliases in the store-defined order,
	// as they are at the time of the call
	Aliases() iter.Seq2[string, error]

	// Entry returns the entry for the alias, or ErrNotFound
	Entry(alias string) (*Entry, error)

	// PrivateKey returns signer for the key entry.
	// The secret is required only for the entries protected by a per-entry secret,
	// it fails with ErrAuthentication when it is required and absent or wrong.
	PrivateKey(alias string, secret []byte) (crypto.Signer, error)

	// Close releases all resources, including the login on the token
	Close() error
}

// Entry describes the credential entry in the store
type Entry struct {
	Alias string
	// Certificate is nil for key-only entries
	Certificate *x509.Certificate
	// HasKey is true when the entry holds a private key
	HasKey bool
	// KeyProtected is true when the private key requires a per-entry secret
	KeyProtected bool
	// PublicKey of the key pair, if known
	PublicKey crypto.PublicKey
}

// TokenInfo provides PKCS#11 token info
type TokenInfo struct {
	SlotID       uint
	Description  string
	Label        string
	Manufacturer string
	Model        string
	Serial       string
}

// TokenLister is implemented by stores that can enumerate slots and tokens
type TokenLister interface {
	// CurrentSlotID returns the slot of the opened session
	CurrentSlotID() uint
	// EnumTokens returns the tokens present
	EnumTokens(currentSlotOnly bool) ([]TokenInfo, error)
}

// Loader opens the Store for the configuration and the secret
type Loader func(ctx context.Context, tc TokenConfig, secret []byte) (Store, error)

// Loaders maps manufacturer to the store loader.
// Loaders are configured explicitly by the caller for each invocation.
type Loaders map[string]Loader

// Register store loader by manufacturer
func (l Loaders) Register(manufacturer string, loader Loader) error {
	if _, ok := l[manufacturer]; ok {
		return errors.Errorf("already registered: %s", manufacturer)
	}
	l[manufacturer] = loader
	return nil
}

// Unregister store loader by manufacturer
func (l Loaders) Unregister(manufacturer string) (Loader, error) {
	if loader, ok := l[manufacturer]; ok {
		delete(l, manufacturer)
		return loader, nil
	}
	return nil, errors.Errorf("not registered: %s", manufacturer)
}

// Registered returns sorted list of registered manufacturers
func (l Loaders) Registered() []string {
	list := make([]string, 0, len(l))
	for m := range l {
		list = append(list, m)
	}
	sort.Strings(list)
	return list
}
