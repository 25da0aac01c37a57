package crypto11

import (
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/miekg/pkcs11"
)

// module wraps the parts of github.com/miekg/pkcs11.Ctx used by the store
type module interface {
	Destroy()
	Finalize() error
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// moduleLoader loads and initializes the PKCS#11 library
type moduleLoader func(path string) (module, error)

func loadModule(path string) (module, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, cryptoprov.Errorf(cryptoprov.ErrStoreUnavailable, "unable to load PKCS#11 library: %s", path)
	}

	err := ctx.Initialize()
	if err != nil && !isCode(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		ctx.Destroy()
		return nil, mapError(err, cryptoprov.ErrStoreUnavailable, "unable to initialize PKCS#11 library: %s", path)
	}
	return ctx, nil
}
