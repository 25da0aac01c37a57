// Package softprov provides a software credential store, described by
// a YAML manifest with PEM certificates and PKCS#8 keys.
//
// The session PIN is verified against the bcrypt hash in the manifest,
// keys stored as ENCRYPTED PRIVATE KEY require a per-entry secret.
package softprov

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/certutil"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11sign/cryptoprov", "softprov")

// ProviderName specifies a provider name
const ProviderName = "SoftToken"

// Manifest describes the software store
type Manifest struct {
	// PinHash is bcrypt hash of the session PIN
	PinHash string `yaml:"pin_hash" json:"pin_hash"`
	// Entries in the enumeration order
	Entries []ManifestEntry `yaml:"entries" json:"entries"`
}

// ManifestEntry describes an alias
type ManifestEntry struct {
	Alias string `yaml:"alias" json:"alias"`
	// Certificate is path to PEM certificate, relative to the manifest
	Certificate string `yaml:"certificate,omitempty" json:"certificate,omitempty"`
	// Key is path to PEM private key, relative to the manifest
	Key string `yaml:"key,omitempty" json:"key,omitempty"`
}

// HashPin returns bcrypt hash of the PIN for the manifest
func HashPin(pin []byte) (string, error) {
	h, err := bcrypt.GenerateFromPassword(pin, bcrypt.DefaultCost)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(h), nil
}

type entry struct {
	alias  string
	crt    *x509.Certificate
	keyPEM []byte
	pub    crypto.PublicKey
}

// Store implements cryptoprov.Store
type Store struct {
	model   string
	entries []*entry
	closed  atomic.Bool
}

// Ensure compiles
var _ cryptoprov.Store = (*Store)(nil)

// Loader provides loader for the software store
func Loader(_ context.Context, tc cryptoprov.TokenConfig, secret []byte) (cryptoprov.Store, error) {
	return Open(tc, secret)
}

// Open loads the manifest and verifies the session PIN
func Open(tc cryptoprov.TokenConfig, secret []byte) (*Store, error) {
	location := tc.Path()
	if location == "" {
		return nil, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "path to manifest is not specified")
	}

	b, err := os.ReadFile(location)
	if err != nil {
		return nil, cryptoprov.Mark(err, cryptoprov.ErrStoreUnavailable, "unable to load manifest")
	}

	m := new(Manifest)
	if err = yaml.NewDecoder(bytes.NewReader(b)).Decode(m); err != nil && err != io.EOF {
		return nil, cryptoprov.Mark(err, cryptoprov.ErrConfiguration, "failed to decode manifest: %s", location)
	}
	if m.PinHash == "" {
		return nil, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "pin_hash is not specified: %s", location)
	}

	err = bcrypt.CompareHashAndPassword([]byte(m.PinHash), secret)
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, cryptoprov.Errorf(cryptoprov.ErrAuthentication, "invalid PIN")
		}
		return nil, cryptoprov.Mark(err, cryptoprov.ErrConfiguration, "invalid pin_hash: %s", location)
	}

	s := &Store{
		model: tc.Model(),
	}

	baseDir := filepath.Dir(location)
	seen := map[string]bool{}
	for _, me := range m.Entries {
		if me.Alias == "" {
			return nil, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "alias is not specified: %s", location)
		}
		if seen[me.Alias] {
			return nil, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "duplicate alias: %q", me.Alias)
		}
		seen[me.Alias] = true

		e, err := loadEntry(baseDir, &me)
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, e)
	}

	logger.KV(xlog.DEBUG, "manifest", location, "entries", len(s.entries))
	return s, nil
}

func loadEntry(baseDir string, me *ManifestEntry) (*entry, error) {
	e := &entry{alias: me.Alias}
	if me.Certificate != "" {
		crt, err := certutil.LoadFromPEM(resolve(baseDir, me.Certificate))
		if err != nil {
			return nil, cryptoprov.Mark(err, cryptoprov.ErrConfiguration, "unable to load certificate for %q", me.Alias)
		}
		e.crt = crt
	}
	if me.Key != "" {
		b, err := os.ReadFile(resolve(baseDir, me.Key))
		if err != nil {
			return nil, cryptoprov.Mark(err, cryptoprov.ErrConfiguration, "unable to load key for %q", me.Alias)
		}
		e.keyPEM = b

		if !certutil.IsEncryptedPEM(b) {
			key, err := certutil.ParsePrivateKeyPEMWithPassword(b, nil)
			if err != nil {
				return nil, cryptoprov.Mark(err, cryptoprov.ErrConfiguration, "unable to parse key for %q", me.Alias)
			}
			e.pub = key.Public()
		}
	}
	return e, nil
}

func resolve(baseDir, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(baseDir, file)
}

// Manufacturer returns manufacturer for the store
func (s *Store) Manufacturer() string {
	return ProviderName
}

// Model returns model for the store
func (s *Store) Model() string {
	return s.model
}

// Aliases returns aliases in the manifest order
func (s *Store) Aliases() iter.Seq2[string, error] {
	snapshot := s.entries
	return func(yield func(string, error) bool) {
		for _, e := range snapshot {
			if s.closed.Load() {
				yield("", cryptoprov.ErrSessionClosed)
				return
			}
			if !yield(e.alias, nil) {
				return
			}
		}
	}
}

func (s *Store) find(alias string) (*entry, error) {
	if s.closed.Load() {
		return nil, cryptoprov.ErrSessionClosed
	}
	for _, e := range s.entries {
		if e.alias == alias {
			return e, nil
		}
	}
	return nil, cryptoprov.Errorf(cryptoprov.ErrNotFound, "alias not found: %q", alias)
}

// Entry returns the entry for the alias
func (s *Store) Entry(alias string) (*cryptoprov.Entry, error) {
	e, err := s.find(alias)
	if err != nil {
		return nil, err
	}
	res := &cryptoprov.Entry{
		Alias:        e.alias,
		Certificate:  e.crt,
		HasKey:       e.keyPEM != nil,
		KeyProtected: e.keyPEM != nil && e.pub == nil,
		PublicKey:    e.pub,
	}
	if res.PublicKey == nil && e.crt != nil {
		res.PublicKey = e.crt.PublicKey
	}
	return res, nil
}

// PrivateKey returns signer for the key entry
func (s *Store) PrivateKey(alias string, secret []byte) (crypto.Signer, error) {
	e, err := s.find(alias)
	if err != nil {
		return nil, err
	}
	if e.keyPEM == nil {
		return nil, cryptoprov.Errorf(cryptoprov.ErrNotFound, "private key not found: %q", alias)
	}

	key, err := certutil.ParsePrivateKeyPEMWithPassword(e.keyPEM, secret)
	if err != nil {
		if len(secret) > 0 || errors.Is(err, certutil.ErrEncryptedKey) {
			return nil, cryptoprov.Mark(err, cryptoprov.ErrAuthentication, "unable to unlock key %q", alias)
		}
		return nil, cryptoprov.Mark(err, cryptoprov.ErrStoreOperation, "unable to load key %q", alias)
	}

	return &signer{key: key, store: s}, nil
}

// Close wipes the keys loaded by the store
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	for _, e := range s.entries {
		cryptoprov.Wipe(e.keyPEM)
		e.keyPEM = nil
	}
	return nil
}

// signer does not expose the key
type signer struct {
	key   crypto.Signer
	store *Store
}

func (k *signer) Public() crypto.PublicKey {
	return k.key.Public()
}

func (k *signer) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if k.store.closed.Load() {
		return nil, cryptoprov.ErrSessionClosed
	}
	return k.key.Sign(rand, digest, opts)
}

func (k *signer) Manufacturer() string {
	return ProviderName
}
