package cryptoprov

import (
	"crypto"
	"crypto/x509"
	"iter"
	"math/big"
	"time"

	"github.com/effective-security/p11sign/certutil"
	"github.com/effective-security/p11sign/oid"
	"github.com/effective-security/xlog"
)

// Classification reports the kind of entries held by an alias
type Classification struct {
	HasCertificate bool
	HasKey         bool
}

// Credential provides descriptive metadata of an alias,
// it never includes private key material
type Credential struct {
	Alias          string     `json:"alias"                yaml:"alias"`
	HasCertificate bool       `json:"has_certificate"      yaml:"has_certificate"`
	HasKey         bool       `json:"has_key"              yaml:"has_key"`
	KeyProtected   bool       `json:"key_protected"        yaml:"key_protected"`
	Subject        string     `json:"subject,omitempty"    yaml:"subject,omitempty"`
	Issuer         string     `json:"issuer,omitempty"     yaml:"issuer,omitempty"`
	SerialNumber   string     `json:"serial,omitempty"     yaml:"serial,omitempty"`
	NotBefore      *time.Time `json:"not_before,omitempty" yaml:"not_before,omitempty"`
	NotAfter       *time.Time `json:"not_after,omitempty"  yaml:"not_after,omitempty"`
	KeyAlgorithm   string     `json:"key_algorithm,omitempty" yaml:"key_algorithm,omitempty"`
	KeySize        int        `json:"key_size,omitempty"   yaml:"key_size,omitempty"`
	KeyUsage       []string   `json:"key_usage,omitempty"  yaml:"key_usage,omitempty"`
	ExtKeyUsage    []string   `json:"ext_key_usage,omitempty" yaml:"ext_key_usage,omitempty"`
}

// Aliases returns lazy sequence of the aliases in the store.
// One pass reflects the store at the time of the call, the order is
// defined by the store.
// Each step of the store enumeration runs under the session lock,
// the lock is not held while the caller handles the alias.
func (s *Session) Aliases() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var next func() (string, error, bool)
		stop := func() {}
		defer func() {
			s.lock.Lock()
			stop()
			s.lock.Unlock()
		}()

		for {
			var alias string
			var err error
			more := false
			derr := s.do(func(store Store) error {
				if next == nil {
					next, stop = iter.Pull2(store.Aliases())
				}
				alias, err, more = next()
				return nil
			})
			if derr != nil {
				yield("", derr)
				return
			}
			if !more {
				return
			}
			if err != nil {
				err = Mark(err, ErrStoreOperation, "unable to enumerate aliases")
			}
			if !yield(alias, err) || err != nil {
				return
			}
		}
	}
}

// ListAliases returns all aliases
func (s *Session) ListAliases() ([]string, error) {
	var list []string
	for alias, err := range s.Aliases() {
		if err != nil {
			return nil, err
		}
		list = append(list, alias)
	}
	return list, nil
}

func (s *Session) entry(alias string) (*Entry, error) {
	var e *Entry
	err := s.do(func(store Store) error {
		var err error
		e, err = store.Entry(alias)
		return err
	})
	if err != nil {
		return nil, Mark(err, ErrStoreOperation, "unable to find %q", alias)
	}
	return e, nil
}

// Classify reports if the alias holds a certificate, a key, or both
func (s *Session) Classify(alias string) (Classification, error) {
	e, err := s.entry(alias)
	if err != nil {
		return Classification{}, err
	}
	return Classification{
		HasCertificate: e.Certificate != nil,
		HasKey:         e.HasKey,
	}, nil
}

// GetCertificate returns certificate of the alias,
// or ErrNotFound if the alias has no certificate entry
func (s *Session) GetCertificate(alias string) (*x509.Certificate, error) {
	e, err := s.entry(alias)
	if err != nil {
		return nil, err
	}
	if e.Certificate == nil {
		return nil, Errorf(ErrNotFound, "certificate not found: %q", alias)
	}
	return e.Certificate, nil
}

// GetPrivateKeyHandle returns handle to the private key of the alias.
// The secret is the per-entry secret, the session secret is never used instead.
func (s *Session) GetPrivateKeyHandle(alias string, secret []byte) (*KeyHandle, error) {
	var handle *KeyHandle
	err := s.do(func(store Store) error {
		e, err := store.Entry(alias)
		if err != nil {
			return err
		}
		if !e.HasKey {
			return Errorf(ErrNotFound, "private key not found: %q", alias)
		}
		if e.KeyProtected && len(secret) == 0 {
			return Errorf(ErrAuthentication, "key %q requires a per-entry secret", alias)
		}
		if !e.KeyProtected && len(secret) > 0 {
			return Errorf(ErrAuthentication, "key %q is not protected by a per-entry secret", alias)
		}
		signer, err := store.PrivateKey(alias, secret)
		if err != nil {
			return err
		}
		handle = &KeyHandle{
			alias:   alias,
			session: s,
			signer:  signer,
		}
		return nil
	})
	if err != nil {
		return nil, Mark(err, ErrStoreOperation, "unable to get private key %q", alias)
	}
	logger.KV(xlog.DEBUG, "status", "key_resolved", "alias", alias, "session", s.id)
	return handle, nil
}

// GetPublicKey returns public key of the alias, from the key entry
// or from the certificate. It does not require the per-entry secret.
func (s *Session) GetPublicKey(alias string) (crypto.PublicKey, error) {
	e, err := s.entry(alias)
	if err != nil {
		return nil, err
	}
	if e.PublicKey != nil {
		return e.PublicKey, nil
	}
	if e.Certificate != nil {
		return e.Certificate.PublicKey, nil
	}
	return nil, Errorf(ErrNotFound, "public key not found: %q", alias)
}

// Describe returns metadata of the alias
func (s *Session) Describe(alias string) (*Credential, error) {
	e, err := s.entry(alias)
	if err != nil {
		return nil, err
	}
	return NewCredential(e), nil
}

// Inventory returns metadata of all aliases in the store
func (s *Session) Inventory() ([]*Credential, error) {
	var list []*Credential
	for alias, err := range s.Aliases() {
		if err != nil {
			return nil, err
		}
		c, err := s.Describe(alias)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, nil
}

// NewCredential returns metadata of the entry
func NewCredential(e *Entry) *Credential {
	c := &Credential{
		Alias:          e.Alias,
		HasCertificate: e.Certificate != nil,
		HasKey:         e.HasKey,
		KeyProtected:   e.KeyProtected,
	}

	pub := e.PublicKey
	if crt := e.Certificate; crt != nil {
		c.Subject = certutil.NameToString(&crt.Subject)
		c.Issuer = certutil.NameToString(&crt.Issuer)
		c.SerialNumber = serialString(crt.SerialNumber)
		nb, na := crt.NotBefore.UTC(), crt.NotAfter.UTC()
		c.NotBefore = &nb
		c.NotAfter = &na
		c.KeyUsage = oid.KeyUsages(crt.KeyUsage)
		c.ExtKeyUsage = oid.ExtKeyUsages(crt.ExtKeyUsage...)
		if pub == nil {
			pub = crt.PublicKey
		}
	}
	if pub != nil {
		if ki, err := certutil.NewKeyInfo(pub); err == nil {
			c.KeyAlgorithm = ki.Type
			c.KeySize = ki.KeySize
		} else {
			logger.KV(xlog.DEBUG, "reason", "key_info", "alias", e.Alias, "err", err.Error())
		}
	}
	return c
}

func serialString(n *big.Int) string {
	if n == nil {
		return ""
	}
	return n.String()
}
