// Package testca provides test certificates and software tokens.
package testca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"time"

	"github.com/effective-security/p11sign/certutil"
)

// Entity is a certificate and its private key
type Entity struct {
	Subject     pkix.Name
	Issuer      *Entity
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	NextSN      int64
}

type configuration struct {
	subject     *pkix.Name
	issuer      *Entity
	nextSN      *int64
	privateKey  crypto.Signer
	rsaBits     int
	isCA        bool
	notBefore   *time.Time
	notAfter    *time.Time
	keyUsage    x509.KeyUsage
	extKeyUsage []x509.ExtKeyUsage
}

func (c *configuration) generate() crypto.Signer {
	if c.privateKey != nil {
		return c.privateKey
	}
	if c.rsaBits > 0 {
		key, err := rsa.GenerateKey(rand.Reader, c.rsaBits)
		if err != nil {
			panic(err)
		}
		return key
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	return key
}

// Option for NewEntity
type Option func(*configuration)

// Subject is an Option that sets a subject
func Subject(value pkix.Name) Option {
	return func(c *configuration) {
		c.subject = &value
	}
}

// CommonName is an Option that sets a subject with the common name
func CommonName(value string) Option {
	return Subject(pkix.Name{CommonName: value})
}

// Issuer is an Option that sets the issuer
func Issuer(value *Entity) Option {
	return func(c *configuration) {
		c.issuer = value
	}
}

// NextSerialNumber is an Option that sets the serial number
func NextSerialNumber(value int64) Option {
	return func(c *configuration) {
		c.nextSN = &value
	}
}

// PrivateKey is an Option for using a specific key
func PrivateKey(value crypto.Signer) Option {
	return func(c *configuration) {
		c.privateKey = value
	}
}

// RSAKey is an Option for generating RSA key of the size
func RSAKey(bits int) Option {
	return func(c *configuration) {
		c.rsaBits = bits
	}
}

// Authority is an Option to create CA
func Authority(c *configuration) {
	c.isCA = true
}

// NotBefore is an Option that sets the NotBefore
func NotBefore(value time.Time) Option {
	return func(c *configuration) {
		c.notBefore = &value
	}
}

// NotAfter is an Option that sets the NotAfter
func NotAfter(value time.Time) Option {
	return func(c *configuration) {
		c.notAfter = &value
	}
}

// KeyUsage is an Option that sets the KeyUsage
func KeyUsage(value x509.KeyUsage) Option {
	return func(c *configuration) {
		c.keyUsage = value
	}
}

// ExtKeyUsage is an Option that sets the ExtKeyUsage
func ExtKeyUsage(value ...x509.ExtKeyUsage) Option {
	return func(c *configuration) {
		c.extKeyUsage = append(c.extKeyUsage, value...)
	}
}

// NewEntity returns a new certificate, self-signed unless Issuer is provided
func NewEntity(opts ...Option) *Entity {
	c := &configuration{}
	for _, opt := range opts {
		opt(c)
	}

	key := c.generate()

	subject := pkix.Name{CommonName: "[TEST] p11sign"}
	if c.subject != nil {
		subject = *c.subject
	}

	sn := int64(1)
	if c.nextSN != nil {
		sn = *c.nextSN
	} else if c.issuer != nil {
		sn = c.issuer.NextSN
		c.issuer.NextSN++
	}

	notBefore := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	if c.notBefore != nil {
		notBefore = *c.notBefore
	}
	notAfter := notBefore.Add(24 * time.Hour)
	if c.notAfter != nil {
		notAfter = *c.notAfter
	}

	keyUsage := c.keyUsage
	if keyUsage == 0 {
		keyUsage = x509.KeyUsageDigitalSignature
		if c.isCA {
			keyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		}
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(sn),
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           c.extKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  c.isCA,
	}

	parent := template
	signer := key
	if c.issuer != nil {
		parent = c.issuer.Certificate
		signer = c.issuer.PrivateKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), signer)
	if err != nil {
		panic(err)
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}

	return &Entity{
		Subject:     subject,
		Issuer:      c.issuer,
		PrivateKey:  key,
		Certificate: crt,
		NextSN:      2,
	}
}

// Issue returns a new entity issued by e
func (e *Entity) Issue(opts ...Option) *Entity {
	return NewEntity(append(opts, Issuer(e))...)
}

// Chain returns the certificate chain, starting with e
func (e *Entity) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for cur := e; cur != nil; cur = cur.Issuer {
		chain = append(chain, cur.Certificate)
	}
	return chain
}

// CertPEM returns PEM encoded certificate
func (e *Entity) CertPEM() []byte {
	s, err := certutil.EncodeToPEMString(true, e.Certificate)
	if err != nil {
		panic(err)
	}
	return []byte(s + "\n")
}

// KeyPEM returns PKCS#8 PEM encoded private key,
// encrypted if the password is provided
func (e *Entity) KeyPEM(password []byte) []byte {
	b, err := certutil.EncodePrivateKeyToPEM(e.PrivateKey, password)
	if err != nil {
		panic(err)
	}
	return b
}

// SaveCertAndKey saves the certificate and the key to the files,
// the key is not saved if keyFile is empty
func (e *Entity) SaveCertAndKey(certFile, keyFile string, password []byte) error {
	if certFile != "" {
		if err := os.WriteFile(certFile, e.CertPEM(), 0o644); err != nil {
			return err
		}
	}
	if keyFile != "" {
		if err := os.WriteFile(keyFile, e.KeyPEM(password), 0o600); err != nil {
			return err
		}
	}
	return nil
}
