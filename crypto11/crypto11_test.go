package crypto11

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"sync"

	"github.com/miekg/pkcs11"
)

// fakeModule emulates a token with one slot
type fakeModule struct {
	lock sync.Mutex

	slotID uint
	token  pkcs11.TokenInfo
	pin    string

	objects   map[pkcs11.ObjectHandle]map[uint][]byte
	keys      map[pkcs11.ObjectHandle]crypto.Signer
	keyPins   map[pkcs11.ObjectHandle]string
	order     []pkcs11.ObjectHandle
	nextObjID pkcs11.ObjectHandle

	sessions     int
	loginCalls   int
	loggedIn     bool
	contextLogin bool
	finding      bool
	found        []pkcs11.ObjectHandle
	signing      bool
	signObj      pkcs11.ObjectHandle
	signMech     uint
	finalized    bool
	destroyed    bool
	signErr      error
}

func newFakeModule(pin string) *fakeModule {
	return &fakeModule{
		slotID: 1,
		token: pkcs11.TokenInfo{
			Label:          "p11sign",
			ManufacturerID: "SoftHSM project",
			Model:          "SoftHSM v2",
			SerialNumber:   "b1e6f0c1a2",
			Flags:          pkcs11.CKF_LOGIN_REQUIRED,
		},
		pin:       pin,
		objects:   map[pkcs11.ObjectHandle]map[uint][]byte{},
		keys:      map[pkcs11.ObjectHandle]crypto.Signer{},
		keyPins:   map[pkcs11.ObjectHandle]string{},
		nextObjID: 100,
	}
}

func (m *fakeModule) loader(string) (module, error) {
	return m, nil
}

func (m *fakeModule) add(attrs ...*pkcs11.Attribute) pkcs11.ObjectHandle {
	m.lock.Lock()
	defer m.lock.Unlock()

	h := m.nextObjID
	m.nextObjID++
	obj := map[uint][]byte{}
	for _, a := range attrs {
		obj[a.Type] = a.Value
	}
	m.objects[h] = obj
	m.order = append(m.order, h)
	return h
}

func (m *fakeModule) addCert(label string, crt *x509.Certificate) {
	m.add(
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, crt.Raw),
	)
}

// addKey adds private and public key objects,
// the private key requires context specific login when entryPin is set
func (m *fakeModule) addKey(label string, id []byte, key crypto.Signer, entryPin string) {
	var keyType uint
	pubAttrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	switch pub := key.Public().(type) {
	case *rsa.PublicKey:
		keyType = pkcs11.CKK_RSA
		pubAttrs = append(pubAttrs,
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, pub.N.Bytes()),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
		)
	case *ecdsa.PublicKey:
		keyType = pkcs11.CKK_EC
		params, _ := asn1.Marshal(oidNamedCurveP256)
		ecdhKey, err := pub.ECDH()
		if err != nil {
			panic(err)
		}
		point, _ := asn1.Marshal(ecdhKey.Bytes())
		pubAttrs = append(pubAttrs,
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, point),
		)
	}

	privAttrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
		pkcs11.NewAttribute(pkcs11.CKA_ALWAYS_AUTHENTICATE, entryPin != ""),
	}

	h := m.add(privAttrs...)
	m.add(pubAttrs...)

	m.lock.Lock()
	defer m.lock.Unlock()
	m.keys[h] = key
	if entryPin != "" {
		m.keyPins[h] = entryPin
	}
}

func (m *fakeModule) Destroy() {
	m.destroyed = true
}

func (m *fakeModule) Finalize() error {
	m.finalized = true
	return nil
}

func (m *fakeModule) GetSlotList(bool) ([]uint, error) {
	return []uint{m.slotID}, nil
}

func (m *fakeModule) GetSlotInfo(uint) (pkcs11.SlotInfo, error) {
	return pkcs11.SlotInfo{
		SlotDescription: "fake slot",
		ManufacturerID:  "fake",
	}, nil
}

func (m *fakeModule) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	if slotID != m.slotID {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return m.token, nil
}

func (m *fakeModule) OpenSession(slotID uint, _ uint) (pkcs11.SessionHandle, error) {
	if slotID != m.slotID {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	m.sessions++
	return pkcs11.SessionHandle(m.sessions), nil
}

func (m *fakeModule) CloseSession(pkcs11.SessionHandle) error {
	m.sessions--
	return nil
}

func (m *fakeModule) Login(_ pkcs11.SessionHandle, userType uint, pin string) error {
	m.loginCalls++
	switch userType {
	case pkcs11.CKU_USER:
		if m.loggedIn {
			return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
		}
		if pin != m.pin {
			return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
		}
		m.loggedIn = true
	case pkcs11.CKU_CONTEXT_SPECIFIC:
		if !m.signing {
			return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
		}
		if pin != m.keyPins[m.signObj] {
			return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
		}
		m.contextLogin = true
	default:
		return pkcs11.Error(pkcs11.CKR_USER_TYPE_INVALID)
	}
	return nil
}

func (m *fakeModule) Logout(pkcs11.SessionHandle) error {
	if !m.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	m.loggedIn = false
	return nil
}

func (m *fakeModule) GetAttributeValue(_ pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	obj, ok := m.objects[o]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	res := make([]*pkcs11.Attribute, 0, len(a))
	for _, attr := range a {
		val, ok := obj[attr.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res = append(res, pkcs11.NewAttribute(attr.Type, val))
	}
	return res, nil
}

func (m *fakeModule) FindObjectsInit(_ pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	m.finding = true
	m.found = nil
	for _, h := range m.order {
		obj := m.objects[h]
		// private objects are visible after login
		if !m.loggedIn && bytes.Equal(obj[pkcs11.CKA_CLASS], pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY).Value) {
			continue
		}
		match := true
		for _, attr := range temp {
			if !bytes.Equal(obj[attr.Type], attr.Value) {
				match = false
				break
			}
		}
		if match {
			m.found = append(m.found, h)
		}
	}
	return nil
}

func (m *fakeModule) FindObjects(_ pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.finding {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := min(max, len(m.found))
	res := m.found[:n]
	m.found = m.found[n:]
	return res, false, nil
}

func (m *fakeModule) FindObjectsFinal(pkcs11.SessionHandle) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.finding = false
	m.found = nil
	return nil
}

func (m *fakeModule) SignInit(_ pkcs11.SessionHandle, mech []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	if m.signing {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	if !m.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	if _, ok := m.keys[o]; !ok {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	m.signing = true
	m.signObj = o
	m.signMech = mech[0].Mechanism
	return nil
}

func (m *fakeModule) Sign(_ pkcs11.SessionHandle, message []byte) ([]byte, error) {
	if !m.signing {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	key := m.keys[m.signObj]
	pinRequired := m.keyPins[m.signObj] != ""
	contextLogin := m.contextLogin
	m.signing = false
	m.contextLogin = false

	if m.signErr != nil {
		return nil, m.signErr
	}
	if pinRequired && !contextLogin {
		return nil, pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}

	switch m.signMech {
	case pkcs11.CKM_RSA_PKCS:
		return rsa.SignPKCS1v15(rand.Reader, key.(*rsa.PrivateKey), crypto.Hash(0), message)
	case pkcs11.CKM_RSA_PKCS_PSS:
		hash := map[int]crypto.Hash{32: crypto.SHA256, 48: crypto.SHA384, 64: crypto.SHA512}[len(message)]
		return rsa.SignPSS(rand.Reader, key.(*rsa.PrivateKey), hash, message, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	case pkcs11.CKM_ECDSA:
		priv := key.(*ecdsa.PrivateKey)
		r, s, err := ecdsa.Sign(rand.Reader, priv, message)
		if err != nil {
			return nil, err
		}
		size := (priv.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		s.FillBytes(sig[size:])
		return sig, nil
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}
