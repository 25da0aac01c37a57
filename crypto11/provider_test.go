package crypto11

import (
	"context"
	"testing"

	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/signer"
	"github.com/effective-security/p11sign/testca"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPin = "2a8b1c"

func testConfig(serial string) cryptoprov.TokenConfig {
	return cryptoprov.NewTokenConfig("SoftHSM", "SoftHSM v2", "/usr/lib/softhsm/libsofthsm2.so", serial, "", "", "")
}

type fixture struct {
	module   *fakeModule
	docCert  *testca.Entity
	ecSigner *testca.Entity
	loaders  cryptoprov.Loaders
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		module:   newFakeModule(testPin),
		docCert:  testca.NewEntity(testca.RSAKey(2048), testca.CommonName("doc-signer")),
		ecSigner: testca.NewEntity(testca.CommonName("ec-signer")),
	}
	root := testca.NewEntity(testca.Authority, testca.CommonName("[TEST] Root"))

	f.module.addCert("doc-signer", f.docCert.Certificate)
	f.module.addKey("doc-signer", []byte{1}, f.docCert.PrivateKey, "")
	f.module.addCert("root-ca", root.Certificate)
	f.module.addKey("ec-key", []byte{2}, f.ecSigner.PrivateKey, "")
	f.module.addKey("qualified", []byte{3}, f.docCert.PrivateKey, "entry-pin")

	f.loaders = cryptoprov.Loaders{
		"SoftHSM": func(_ context.Context, tc cryptoprov.TokenConfig, secret []byte) (cryptoprov.Store, error) {
			return initWithLoader(tc, secret, f.module.loader)
		},
	}
	return f
}

func (f *fixture) open(t *testing.T) *cryptoprov.Session {
	s, err := cryptoprov.Open(context.Background(), testConfig(""), []byte(testPin), f.loaders)
	require.NoError(t, err)
	return s
}

func TestInit(t *testing.T) {
	f := newFixture(t)

	_, err := initWithLoader(cryptoprov.NewTokenConfig("SoftHSM", "", "", "", "", "", ""), nil, f.module.loader)
	assert.ErrorIs(t, err, cryptoprov.ErrConfiguration)

	_, err = initWithLoader(testConfig("unknown-serial"), []byte(testPin), f.module.loader)
	assert.ErrorIs(t, err, cryptoprov.ErrStoreUnavailable)
	assert.True(t, f.module.finalized)
	assert.True(t, f.module.destroyed)
}

func TestWrongThenRightPin(t *testing.T) {
	f := newFixture(t)

	_, err := cryptoprov.Open(context.Background(), testConfig(""), []byte("000000"), f.loaders)
	require.Error(t, err)
	assert.ErrorIs(t, err, cryptoprov.ErrAuthentication)
	assert.Contains(t, err.Error(), "CKR_PIN_INCORRECT")
	assert.NotContains(t, err.Error(), "000000")
	// no retry
	assert.Equal(t, 1, f.module.loginCalls)
	assert.Equal(t, 0, f.module.sessions)

	s, err := cryptoprov.Open(context.Background(), testConfig("b1e6f0c1a2"), []byte(testPin), f.loaders)
	require.NoError(t, err)
	assert.Equal(t, "SoftHSM", s.Manufacturer())
	assert.Equal(t, "SoftHSM v2", s.Model())

	tl, ok := s.TokenLister()
	require.True(t, ok)
	assert.Equal(t, uint(1), tl.CurrentSlotID())

	require.NoError(t, s.Close())
	assert.False(t, f.module.loggedIn)
	assert.Equal(t, 0, f.module.sessions)
	require.NoError(t, s.Close())
}

func TestAliasesAndClassify(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	defer s.Close()

	list, err := s.ListAliases()
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-signer", "root-ca", "ec-key", "qualified"}, list)

	c, err := s.Classify("doc-signer")
	require.NoError(t, err)
	assert.Equal(t, cryptoprov.Classification{HasCertificate: true, HasKey: true}, c)

	c, err = s.Classify("root-ca")
	require.NoError(t, err)
	assert.Equal(t, cryptoprov.Classification{HasCertificate: true}, c)

	c, err = s.Classify("ec-key")
	require.NoError(t, err)
	assert.Equal(t, cryptoprov.Classification{HasKey: true}, c)

	_, err = s.Classify("missing")
	assert.ErrorIs(t, err, cryptoprov.ErrNotFound)

	cred, err := s.Describe("ec-key")
	require.NoError(t, err)
	assert.Equal(t, "ECDSA", cred.KeyAlgorithm)
	assert.Equal(t, 256, cred.KeySize)

	cred, err = s.Describe("qualified")
	require.NoError(t, err)
	assert.True(t, cred.KeyProtected)
	assert.Equal(t, "RSA", cred.KeyAlgorithm)

	// the loop body uses the session while enumerating
	alias, err := s.Resolve(cryptoprov.Selection{Policy: cryptoprov.PolicyFirst})
	require.NoError(t, err)
	assert.Equal(t, "doc-signer", alias)
}

func TestSignRSA(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	defer s.Close()

	key, err := s.GetPrivateKeyHandle("doc-signer", nil)
	require.NoError(t, err)
	crt, err := s.GetCertificate("doc-signer")
	require.NoError(t, err)

	doc := []byte("hello world")
	sig, err := signer.Sign(key, doc, signer.DefaultAlgorithm)
	require.NoError(t, err)
	assert.Len(t, sig, 256)
	assert.True(t, signer.Verify(crt, doc, sig, signer.DefaultAlgorithm))
	assert.False(t, signer.Verify(crt, []byte("hello worlx"), sig, signer.DefaultAlgorithm))

	// same as software PKCS#1 v1.5 signature
	expected, err := signer.Sign(f.docCert.PrivateKey, doc, signer.DefaultAlgorithm)
	require.NoError(t, err)
	assert.Equal(t, expected, sig)

	for _, algo := range []signer.Algorithm{signer.SHA384WithRSA, signer.SHA512WithRSA, signer.SHA256WithRSAPSS} {
		sig, err = signer.Sign(key, doc, algo)
		require.NoError(t, err, algo)
		assert.True(t, signer.Verify(crt, doc, sig, algo), algo)
	}

	_, err = signer.Sign(key, doc, signer.SHA256WithECDSA)
	assert.ErrorIs(t, err, cryptoprov.ErrKeyTypeMismatch)
}

func TestSignECDSA(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	defer s.Close()

	key, err := s.GetPrivateKeyHandle("ec-key", nil)
	require.NoError(t, err)

	doc := []byte("hello world")
	sig, err := signer.Sign(key, doc, signer.SHA256WithECDSA)
	require.NoError(t, err)
	assert.NoError(t, signer.VerifyPublicKey(f.ecSigner.PrivateKey.Public(), doc, sig, signer.SHA256WithECDSA))
	assert.True(t, signer.Verify(f.ecSigner.Certificate, doc, sig, signer.SHA256WithECDSA))
}

func TestContextSpecificLogin(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	defer s.Close()

	_, err := s.GetPrivateKeyHandle("qualified", nil)
	assert.ErrorIs(t, err, cryptoprov.ErrAuthentication)

	key, err := s.GetPrivateKeyHandle("qualified", []byte("wrong"))
	require.NoError(t, err)
	_, err = signer.Sign(key, []byte("doc"), signer.DefaultAlgorithm)
	assert.ErrorIs(t, err, cryptoprov.ErrAuthentication)
	assert.False(t, f.module.signing)

	key, err = s.GetPrivateKeyHandle("qualified", []byte("entry-pin"))
	require.NoError(t, err)
	sig, err := signer.Sign(key, []byte("doc"), signer.DefaultAlgorithm)
	require.NoError(t, err)
	assert.NoError(t, signer.VerifyPublicKey(f.docCert.PrivateKey.Public(), []byte("doc"), sig, signer.DefaultAlgorithm))
}

func TestSignFailure(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	defer s.Close()

	key, err := s.GetPrivateKeyHandle("doc-signer", nil)
	require.NoError(t, err)

	f.module.signErr = pkcs11.Error(pkcs11.CKR_DEVICE_ERROR)
	_, err = signer.Sign(key, []byte("doc"), signer.DefaultAlgorithm)
	assert.ErrorIs(t, err, cryptoprov.ErrStoreOperation)
	assert.Contains(t, err.Error(), "CKR_DEVICE_ERROR")

	f.module.signErr = pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED)
	_, err = signer.Sign(key, []byte("doc"), signer.DefaultAlgorithm)
	assert.ErrorIs(t, err, cryptoprov.ErrStoreUnavailable)
}

func TestHandleAfterClose(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	key, err := s.GetPrivateKeyHandle("doc-signer", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.False(t, key.Valid())
	_, err = signer.Sign(key, []byte("doc"), signer.DefaultAlgorithm)
	assert.ErrorIs(t, err, cryptoprov.ErrSessionClosed)

	// the store rejects direct use after Close
	st, err := initWithLoader(testConfig(""), []byte(testPin), newFakeModule(testPin).loader)
	require.NoError(t, err)
	require.NoError(t, st.Close())
	for _, err := range st.Aliases() {
		assert.ErrorIs(t, err, cryptoprov.ErrSessionClosed)
	}
	_, err = st.Entry("doc-signer")
	assert.ErrorIs(t, err, cryptoprov.ErrSessionClosed)
}
