package cryptoprov

import (
	"context"
	"crypto"
	"io"
	"sync"
	"time"

	"github.com/effective-security/p11sign/metricskey"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11sign", "cryptoprov")

// Session is an authenticated session to a credential store.
// The session must be closed on every exit path, and key handles
// derived from the session become invalid when it is closed.
//
// Calls to the store are serialized, so at most one operation is
// in flight on the token.
type Session struct {
	id    string
	lock  sync.Mutex
	store Store
	open  bool
}

// Open returns authenticated session to the store selected by
// the configured manufacturer.
// A failed open is never retried: the token may lock the PIN
// after repeated failures.
func Open(ctx context.Context, tc TokenConfig, secret []byte, loaders Loaders) (*Session, error) {
	if tc == nil {
		return nil, Errorf(ErrConfiguration, "token configuration is not provided")
	}
	manufacturer := tc.Manufacturer()
	loader, ok := loaders[manufacturer]
	if !ok {
		return nil, Errorf(ErrConfiguration, "provider not registered: %s", manufacturer)
	}

	defer metricskey.PerfSession.MeasureSince(time.Now(), manufacturer, "open")

	store, err := loader(ctx, tc, secret)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "open", "manufacturer", manufacturer, "err", err.Error())
		return nil, Mark(err, ErrStoreUnavailable, "unable to open %s store", manufacturer)
	}

	s := &Session{
		id:    guid.MustCreate(),
		store: store,
		open:  true,
	}
	logger.KV(xlog.DEBUG, "status", "opened", "session", s.id, "manufacturer", manufacturer, "model", tc.Model())
	return s, nil
}

// NewSession returns a session for already opened store
func NewSession(store Store) *Session {
	return &Session{
		id:    guid.MustCreate(),
		store: store,
		open:  true,
	}
}

// ID returns session ID
func (s *Session) ID() string {
	return s.id
}

// Manufacturer returns manufacturer of the store
func (s *Session) Manufacturer() string {
	return s.store.Manufacturer()
}

// Model returns model of the store
func (s *Session) Model() string {
	return s.store.Model()
}

// IsOpen returns true if the session is not closed
func (s *Session) IsOpen() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.open
}

// Close releases the session, it is safe to call Close multiple times
func (s *Session) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.open {
		return nil
	}
	s.open = false

	err := s.store.Close()
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "close", "session", s.id, "err", err.Error())
		return Mark(err, ErrStoreOperation, "unable to close session")
	}
	logger.KV(xlog.DEBUG, "status", "closed", "session", s.id)
	return nil
}

// TokenLister returns the store as TokenLister, if supported
func (s *Session) TokenLister() (TokenLister, bool) {
	tl, ok := s.store.(TokenLister)
	return tl, ok
}

// do executes the store operation when the session is open
func (s *Session) do(fn func(Store) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.open {
		return ErrSessionClosed
	}
	return fn(s.store)
}

// KeyHandle is an opaque reference to a private key on the store.
// It is valid only while its session is open.
type KeyHandle struct {
	alias   string
	session *Session
	signer  crypto.Signer
}

// Alias returns the alias of the key
func (k *KeyHandle) Alias() string {
	return k.alias
}

// Manufacturer returns manufacturer of the store owning the key
func (k *KeyHandle) Manufacturer() string {
	return k.session.Manufacturer()
}

// Valid returns false after the session was closed
func (k *KeyHandle) Valid() bool {
	return k.session.IsOpen()
}

// Public returns public key
func (k *KeyHandle) Public() crypto.PublicKey {
	return k.signer.Public()
}

// Sign signs digest with the private key on the store
func (k *KeyHandle) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	var sig []byte
	err := k.session.do(func(Store) error {
		var err error
		sig, err = k.signer.Sign(rand, digest, opts)
		return err
	})
	if err != nil {
		return nil, Mark(err, ErrStoreOperation, "unable to sign with %q", k.alias)
	}
	return sig, nil
}

// String returns description of the handle, never the key
func (k *KeyHandle) String() string {
	return "alias=" + k.alias + ", session=" + k.session.id
}
