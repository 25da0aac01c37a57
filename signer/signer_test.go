package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/testca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlgorithm(t *testing.T) {
	tcases := []struct {
		name string
		exp  Algorithm
	}{
		{"", DefaultAlgorithm},
		{"SHA256withRSA", SHA256WithRSA},
		{"sha256withrsa", SHA256WithRSA},
		{"SHA384WITHRSA", SHA384WithRSA},
		{"SHA512withRSA", SHA512WithRSA},
		{"SHA256withRSAandMGF1", SHA256WithRSAPSS},
		{"SHA256withECDSA", SHA256WithECDSA},
		{"sha384withecdsa", SHA384WithECDSA},
	}
	for _, tc := range tcases {
		a, err := ParseAlgorithm(tc.name)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.exp, a, tc.name)
	}

	_, err := ParseAlgorithm("MD5withRSA")
	assert.ErrorIs(t, err, cryptoprov.ErrUnsupportedAlgorithm)

	assert.Len(t, Algorithms(), 6)
	assert.Equal(t, crypto.SHA256, DefaultAlgorithm.Hash())
	assert.Equal(t, "RSA", DefaultAlgorithm.KeyType())
	assert.Equal(t, "ECDSA", SHA384WithECDSA.KeyType())
}

func TestSignVerifyRSA(t *testing.T) {
	e := testca.NewEntity(testca.RSAKey(2048), testca.CommonName("doc-signer"))
	doc := []byte("hello world")

	for _, algo := range []Algorithm{SHA256WithRSA, SHA384WithRSA, SHA512WithRSA, SHA256WithRSAPSS} {
		t.Run(string(algo), func(t *testing.T) {
			sig, err := Sign(e.PrivateKey, doc, algo)
			require.NoError(t, err)
			assert.Len(t, sig, 256)

			assert.True(t, Verify(e.Certificate, doc, sig, algo))
			assert.False(t, Verify(e.Certificate, []byte("hello worlx"), sig, algo))

			tampered := append([]byte{}, sig...)
			tampered[10] ^= 0x01
			assert.False(t, Verify(e.Certificate, doc, tampered, algo))
		})
	}
}

func TestDeterministic(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	doc := []byte("the same document")
	sig1, err := Sign(key, doc, DefaultAlgorithm)
	require.NoError(t, err)
	sig2, err := Sign(key, doc, DefaultAlgorithm)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)

	// PSS is randomized, both signatures verify
	pss1, err := Sign(key, doc, SHA256WithRSAPSS)
	require.NoError(t, err)
	pss2, err := Sign(key, doc, SHA256WithRSAPSS)
	require.NoError(t, err)
	assert.NotEqual(t, pss1, pss2)
	assert.NoError(t, VerifyPublicKey(key.Public(), doc, pss1, SHA256WithRSAPSS))
	assert.NoError(t, VerifyPublicKey(key.Public(), doc, pss2, SHA256WithRSAPSS))
}

func TestSignVerifyECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	doc := []byte("hello world")
	for _, algo := range []Algorithm{SHA256WithECDSA, SHA384WithECDSA} {
		sig, err := Sign(key, doc, algo)
		require.NoError(t, err)
		assert.NoError(t, VerifyPublicKey(key.Public(), doc, sig, algo))
		assert.Error(t, VerifyPublicKey(key.Public(), []byte("hello worlx"), sig, algo))
	}
}

func TestKeyTypeMismatch(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = Sign(ecKey, []byte("doc"), SHA256WithRSA)
	assert.ErrorIs(t, err, cryptoprov.ErrKeyTypeMismatch)

	_, err = Sign(rsaKey, []byte("doc"), SHA256WithECDSA)
	assert.ErrorIs(t, err, cryptoprov.ErrKeyTypeMismatch)

	_, err = Sign(edKey, []byte("doc"), SHA256WithRSA)
	assert.ErrorIs(t, err, cryptoprov.ErrKeyTypeMismatch)

	err = VerifyPublicKey(ecKey.Public(), []byte("doc"), []byte("sig"), SHA256WithRSA)
	assert.ErrorIs(t, err, cryptoprov.ErrKeyTypeMismatch)
}

func TestUnsupportedAlgorithm(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = Sign(key, []byte("doc"), Algorithm("MD5withRSA"))
	assert.ErrorIs(t, err, cryptoprov.ErrUnsupportedAlgorithm)

	err = VerifyPublicKey(key.Public(), []byte("doc"), []byte("sig"), Algorithm("none"))
	assert.ErrorIs(t, err, cryptoprov.ErrUnsupportedAlgorithm)

	e := testca.NewEntity(testca.PrivateKey(key))
	assert.False(t, Verify(e.Certificate, []byte("doc"), []byte("sig"), Algorithm("none")))
	assert.False(t, Verify(nil, []byte("doc"), []byte("sig"), DefaultAlgorithm))
}

type failingSigner struct {
	crypto.Signer
}

func (s failingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, errors.New("CKR_DEVICE_ERROR")
}

func (s failingSigner) Manufacturer() string {
	return "TestToken"
}

func TestStoreOperationFailure(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = Sign(failingSigner{Signer: key}, []byte("doc"), DefaultAlgorithm)
	require.Error(t, err)
	assert.ErrorIs(t, err, cryptoprov.ErrStoreOperation)
	assert.Contains(t, err.Error(), "CKR_DEVICE_ERROR")
	assert.Equal(t, "TestToken", manufacturer(failingSigner{Signer: key}))
	assert.Empty(t, manufacturer(key))
}

func TestDigest(t *testing.T) {
	d, err := SHA256WithRSA.Digest([]byte("hello world"))
	require.NoError(t, err)
	assert.Len(t, d, 32)

	d, err = SHA512WithRSA.Digest([]byte("hello world"))
	require.NoError(t, err)
	assert.Len(t, d, 64)

	_, err = Algorithm("none").Digest(nil)
	assert.ErrorIs(t, err, cryptoprov.ErrUnsupportedAlgorithm)
}
