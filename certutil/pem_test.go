package certutil_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/certutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, cn string) *x509.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"p11sign"},
			Country:      []string{"US"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	crt, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return crt
}

func TestEncodeParsePEM(t *testing.T) {
	crt1 := selfSigned(t, "doc-signer")
	crt2 := selfSigned(t, "[TEST] Root")

	pem, err := certutil.EncodeToPEMString(true, crt1, crt2)
	require.NoError(t, err)
	assert.Contains(t, pem, "#   Subject: C=US, O=p11sign, CN=doc-signer")
	assert.Equal(t, 2, strings.Count(pem, "-----BEGIN CERTIFICATE-----"))

	list, err := certutil.ParseChainFromPEM([]byte(pem))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, crt1.Raw, list[0].Raw)
	assert.Equal(t, crt2.Raw, list[1].Raw)

	pem, err = certutil.EncodeToPEMString(false, crt1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pem, "-----BEGIN CERTIFICATE-----"))

	file := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(file, []byte(pem), 0600))
	crt, err := certutil.LoadFromPEM(file)
	require.NoError(t, err)
	assert.Equal(t, crt1.Raw, crt.Raw)

	_, err = certutil.LoadFromPEM(file + ".missing")
	assert.Error(t, err)
	_, err = certutil.ParseFromPEM([]byte("not PEM"))
	assert.EqualError(t, err, "unable to parse PEM")

	empty, err := certutil.EncodeToPEMString(false)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPrivateKeyPEM(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	plain, err := certutil.EncodePrivateKeyToPEM(key, nil)
	require.NoError(t, err)
	assert.False(t, certutil.IsEncryptedPEM(plain))

	s, err := certutil.ParsePrivateKeyPEMWithPassword(plain, nil)
	require.NoError(t, err)
	assert.True(t, key.Equal(s))

	encrypted, err := certutil.EncodePrivateKeyToPEM(key, []byte("entry-secret"))
	require.NoError(t, err)
	assert.True(t, certutil.IsEncryptedPEM(encrypted))
	assert.Contains(t, string(encrypted), "ENCRYPTED PRIVATE KEY")

	_, err = certutil.ParsePrivateKeyPEMWithPassword(encrypted, nil)
	assert.True(t, errors.Is(err, certutil.ErrEncryptedKey))

	_, err = certutil.ParsePrivateKeyPEMWithPassword(encrypted, []byte("wrong"))
	assert.EqualError(t, err, "unable to decrypt private key")

	s, err = certutil.ParsePrivateKeyPEMWithPassword(encrypted, []byte("entry-secret"))
	require.NoError(t, err)
	assert.True(t, key.Equal(s))

	pub, err := certutil.EncodePublicKeyToPEM(key.Public())
	require.NoError(t, err)
	assert.Contains(t, string(pub), "-----BEGIN PUBLIC KEY-----")

	_, err = certutil.EncodePrivateKeyToPEM("key", nil)
	assert.EqualError(t, err, "unsupported key: string")
	_, err = certutil.ParsePrivateKeyPEMWithPassword([]byte("not PEM"), nil)
	assert.EqualError(t, err, "unable to decode private key")
}
