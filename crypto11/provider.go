package crypto11

import (
	"context"
	"crypto"
	"crypto/x509"
	"iter"
	"sync"

	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11sign", "crypto11")

// findBatch is the number of objects returned by one FindObjects call
const findBatch = 100

// PKCS11Lib is a store over the token in one slot
type PKCS11Lib struct {
	Ctx    module
	Config cryptoprov.TokenConfig
	Slot   *SlotTokenInfo

	lock     sync.Mutex
	session  pkcs11.SessionHandle
	loggedIn bool
	closed   bool
	secrets  [][]byte
}

// Ensure compiles
var _ cryptoprov.Store = (*PKCS11Lib)(nil)
var _ cryptoprov.TokenLister = (*PKCS11Lib)(nil)

// LoadProvider provides loader for crypto11 provider
func LoadProvider(_ context.Context, tc cryptoprov.TokenConfig, secret []byte) (cryptoprov.Store, error) {
	return Init(tc, secret)
}

// Init loads the PKCS#11 library, opens the session on the configured token,
// and logs in with the secret
func Init(tc cryptoprov.TokenConfig, secret []byte) (*PKCS11Lib, error) {
	return initWithLoader(tc, secret, loadModule)
}

func initWithLoader(tc cryptoprov.TokenConfig, secret []byte, loader moduleLoader) (*PKCS11Lib, error) {
	if tc.Path() == "" {
		return nil, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "path to PKCS#11 library is not specified")
	}

	ctx, err := loader(tc.Path())
	if err != nil {
		return nil, err
	}

	p11lib := &PKCS11Lib{
		Ctx:    ctx,
		Config: tc,
	}
	if err = p11lib.open(secret); err != nil {
		p11lib.finalize()
		return nil, err
	}
	return p11lib, nil
}

func (p11lib *PKCS11Lib) open(secret []byte) error {
	tc := p11lib.Config
	slots, err := p11lib.TokensInfo()
	if err != nil {
		return err
	}
	for _, si := range slots {
		if (tc.TokenSerial() == "" || tc.TokenSerial() == si.serial) &&
			(tc.TokenLabel() == "" || tc.TokenLabel() == si.label) {
			p11lib.Slot = si
			break
		}
	}
	if p11lib.Slot == nil {
		return cryptoprov.Errorf(cryptoprov.ErrStoreUnavailable,
			"token not found: serial=%q, label=%q", tc.TokenSerial(), tc.TokenLabel())
	}

	logger.KV(xlog.DEBUG,
		"slot", p11lib.Slot.id,
		"label", p11lib.Slot.label,
		"serial", p11lib.Slot.serial,
		"model", p11lib.Slot.model,
	)

	p11lib.session, err = p11lib.Ctx.OpenSession(p11lib.Slot.id, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return mapError(err, cryptoprov.ErrStoreUnavailable, "OpenSession on slot %d", p11lib.Slot.id)
	}

	if len(secret) == 0 && p11lib.Slot.flags&pkcs11.CKF_LOGIN_REQUIRED == 0 {
		logger.KV(xlog.DEBUG, "slot", p11lib.Slot.id, "login", "not_required")
		return nil
	}

	err = p11lib.Ctx.Login(p11lib.session, pkcs11.CKU_USER, string(secret))
	if err != nil && !isCode(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
		_ = p11lib.Ctx.CloseSession(p11lib.session)
		// an error from Login is never retried, the token may lock the PIN
		return mapError(err, cryptoprov.ErrAuthentication, "login to slot %d", p11lib.Slot.id)
	}
	p11lib.loggedIn = err == nil
	return nil
}

// Manufacturer returns manufacturer for the store
func (p11lib *PKCS11Lib) Manufacturer() string {
	return p11lib.Config.Manufacturer()
}

// Model returns model for the store
func (p11lib *PKCS11Lib) Model() string {
	return p11lib.Config.Model()
}

// Close logs out and releases the session and the library
func (p11lib *PKCS11Lib) Close() error {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	if p11lib.closed {
		return nil
	}
	p11lib.closed = true

	for _, s := range p11lib.secrets {
		cryptoprov.Wipe(s)
	}
	p11lib.secrets = nil

	var result error
	if p11lib.loggedIn {
		if err := p11lib.Ctx.Logout(p11lib.session); err != nil {
			result = mapError(err, cryptoprov.ErrStoreOperation, "Logout")
		}
	}
	if err := p11lib.Ctx.CloseSession(p11lib.session); err != nil && result == nil {
		result = mapError(err, cryptoprov.ErrStoreOperation, "CloseSession")
	}
	p11lib.finalize()
	return result
}

func (p11lib *PKCS11Lib) finalize() {
	if err := p11lib.Ctx.Finalize(); err != nil {
		logger.KV(xlog.WARNING, "reason", "Finalize", "err", err.Error())
	}
	p11lib.Ctx.Destroy()
}

// Aliases returns CKA_LABEL of the certificate and private key objects,
// in the order of the object handles returned by the token
func (p11lib *PKCS11Lib) Aliases() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var handles []pkcs11.ObjectHandle
		for _, class := range []uint{pkcs11.CKO_CERTIFICATE, pkcs11.CKO_PRIVATE_KEY} {
			list, err := p11lib.findObjects([]*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
			})
			if err != nil {
				yield("", err)
				return
			}
			handles = append(handles, list...)
		}

		seen := map[string]bool{}
		for _, h := range handles {
			label, err := p11lib.label(h)
			if err != nil {
				yield("", err)
				return
			}
			if label == "" || seen[label] {
				continue
			}
			seen[label] = true
			if !yield(label, nil) {
				return
			}
		}
	}
}

func (p11lib *PKCS11Lib) label(h pkcs11.ObjectHandle) (string, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	if p11lib.closed {
		return "", cryptoprov.ErrSessionClosed
	}

	attrs, err := p11lib.Ctx.GetAttributeValue(p11lib.session, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
	})
	if err != nil {
		return "", mapError(err, cryptoprov.ErrStoreOperation, "GetAttributeValue on CKA_LABEL")
	}
	return string(attrs[0].Value), nil
}

// findObjects returns handles of all objects matching the template
func (p11lib *PKCS11Lib) findObjects(template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	if p11lib.closed {
		return nil, cryptoprov.ErrSessionClosed
	}

	if err := p11lib.Ctx.FindObjectsInit(p11lib.session, template); err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreOperation, "FindObjectsInit")
	}
	defer func() {
		if err := p11lib.Ctx.FindObjectsFinal(p11lib.session); err != nil {
			logger.KV(xlog.WARNING, "reason", "FindObjectsFinal", "err", err.Error())
		}
	}()

	var res []pkcs11.ObjectHandle
	for {
		list, _, err := p11lib.Ctx.FindObjects(p11lib.session, findBatch)
		if err != nil {
			return nil, mapError(err, cryptoprov.ErrStoreOperation, "FindObjects")
		}
		res = append(res, list...)
		if len(list) < findBatch {
			return res, nil
		}
	}
}

// findByLabel returns the first object of the class with the label, or 0
func (p11lib *PKCS11Lib) findByLabel(class uint, label string) (pkcs11.ObjectHandle, error) {
	list, err := p11lib.findObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	})
	if err != nil || len(list) == 0 {
		return 0, err
	}
	if len(list) > 1 {
		logger.KV(xlog.WARNING, "reason", "duplicate_label", "class", ObjectClassNames[class], "label", label, "count", len(list))
	}
	return list[0], nil
}

// attributes returns values of the attributes, the attributes not
// supported by the object are omitted
func (p11lib *PKCS11Lib) attributes(h pkcs11.ObjectHandle, types ...uint) (map[uint][]byte, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	if p11lib.closed {
		return nil, cryptoprov.ErrSessionClosed
	}

	res := map[uint][]byte{}
	for _, typ := range types {
		attrs, err := p11lib.Ctx.GetAttributeValue(p11lib.session, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(typ, nil),
		})
		if err != nil {
			if isCode(err, pkcs11.CKR_ATTRIBUTE_TYPE_INVALID) || isCode(err, pkcs11.CKR_ATTRIBUTE_SENSITIVE) {
				continue
			}
			return nil, mapError(err, cryptoprov.ErrStoreOperation, "GetAttributeValue")
		}
		res[typ] = attrs[0].Value
	}
	return res, nil
}

type keyObject struct {
	handle     pkcs11.ObjectHandle
	keyType    uint
	alwaysAuth bool
	pub        crypto.PublicKey
}

// Entry returns the entry for the alias
func (p11lib *PKCS11Lib) Entry(alias string) (*cryptoprov.Entry, error) {
	crt, err := p11lib.certificate(alias)
	if err != nil {
		return nil, err
	}
	key, err := p11lib.privateKey(alias)
	if err != nil {
		return nil, err
	}
	if crt == nil && key == nil {
		return nil, cryptoprov.Errorf(cryptoprov.ErrNotFound, "alias not found: %q", alias)
	}

	e := &cryptoprov.Entry{
		Alias:       alias,
		Certificate: crt,
	}
	if key != nil {
		e.HasKey = true
		e.KeyProtected = key.alwaysAuth
		e.PublicKey = key.pub
	}
	if e.PublicKey == nil && crt != nil {
		e.PublicKey = crt.PublicKey
	}
	return e, nil
}

func (p11lib *PKCS11Lib) certificate(alias string) (*x509.Certificate, error) {
	h, err := p11lib.findByLabel(pkcs11.CKO_CERTIFICATE, alias)
	if err != nil || h == 0 {
		return nil, err
	}
	attrs, err := p11lib.attributes(h, pkcs11.CKA_VALUE)
	if err != nil {
		return nil, err
	}
	crt, err := x509.ParseCertificate(attrs[pkcs11.CKA_VALUE])
	if err != nil {
		return nil, cryptoprov.Mark(err, cryptoprov.ErrStoreOperation, "unable to parse certificate %q", alias)
	}
	return crt, nil
}

func (p11lib *PKCS11Lib) privateKey(alias string) (*keyObject, error) {
	h, err := p11lib.findByLabel(pkcs11.CKO_PRIVATE_KEY, alias)
	if err != nil || h == 0 {
		return nil, err
	}
	attrs, err := p11lib.attributes(h, pkcs11.CKA_KEY_TYPE, pkcs11.CKA_ID, pkcs11.CKA_ALWAYS_AUTHENTICATE)
	if err != nil {
		return nil, err
	}

	key := &keyObject{
		handle:     h,
		keyType:    BytesToUlong(attrs[pkcs11.CKA_KEY_TYPE]),
		alwaysAuth: BytesToUlong(attrs[pkcs11.CKA_ALWAYS_AUTHENTICATE]) != 0,
	}

	// the public key is read from the public key object with the same CKA_ID,
	// or from the certificate by the caller
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
	}
	if id := attrs[pkcs11.CKA_ID]; len(id) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	} else {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, alias))
	}
	list, err := p11lib.findObjects(template)
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		pubAttrs, err := p11lib.attributes(list[0],
			pkcs11.CKA_MODULUS, pkcs11.CKA_PUBLIC_EXPONENT,
			pkcs11.CKA_EC_PARAMS, pkcs11.CKA_EC_POINT)
		if err != nil {
			return nil, err
		}
		key.pub, err = publicKeyFromAttributes(key.keyType, pubAttrs)
		if err != nil {
			logger.KV(xlog.DEBUG, "reason", "public_key", "alias", alias, "err", err.Error())
		}
	}
	return key, nil
}

// PrivateKey returns signer for the key entry
func (p11lib *PKCS11Lib) PrivateKey(alias string, secret []byte) (crypto.Signer, error) {
	e, err := p11lib.Entry(alias)
	if err != nil {
		return nil, err
	}
	key, err := p11lib.privateKey(alias)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, cryptoprov.Errorf(cryptoprov.ErrNotFound, "private key not found: %q", alias)
	}
	if e.PublicKey == nil {
		return nil, cryptoprov.Errorf(cryptoprov.ErrStoreOperation, "public key not found: %q", alias)
	}

	s := &p11Signer{
		lib:        p11lib,
		alias:      alias,
		handle:     key.handle,
		keyType:    key.keyType,
		alwaysAuth: key.alwaysAuth,
		pub:        e.PublicKey,
	}
	if key.alwaysAuth {
		s.secret = append([]byte{}, secret...)
		p11lib.lock.Lock()
		p11lib.secrets = append(p11lib.secrets, s.secret)
		p11lib.lock.Unlock()
	}
	return s, nil
}
