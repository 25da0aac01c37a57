// Package signer produces and verifies detached signatures over documents
// with keys held by a credential store.
//
// The default algorithm is SHA-256 with RSA PKCS#1 v1.5, which is
// deterministic: the same key and document produce identical signatures.
package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"strings"
	"time"

	// register hash functions
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/metricskey"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11sign", "signer")

// Algorithm specifies the pairing of the hash function and the signature scheme
type Algorithm string

// Supported algorithms
const (
	SHA256WithRSA    Algorithm = "SHA256withRSA"
	SHA384WithRSA    Algorithm = "SHA384withRSA"
	SHA512WithRSA    Algorithm = "SHA512withRSA"
	SHA256WithRSAPSS Algorithm = "SHA256withRSAandMGF1"
	SHA256WithECDSA  Algorithm = "SHA256withECDSA"
	SHA384WithECDSA  Algorithm = "SHA384withECDSA"

	// DefaultAlgorithm is SHA-256 with RSA PKCS#1 v1.5
	DefaultAlgorithm = SHA256WithRSA
)

const (
	keyTypeRSA   = "RSA"
	keyTypeECDSA = "ECDSA"
)

type algorithmInfo struct {
	hash    crypto.Hash
	keyType string
	pss     bool
}

var algorithms = map[Algorithm]algorithmInfo{
	SHA256WithRSA:    {hash: crypto.SHA256, keyType: keyTypeRSA},
	SHA384WithRSA:    {hash: crypto.SHA384, keyType: keyTypeRSA},
	SHA512WithRSA:    {hash: crypto.SHA512, keyType: keyTypeRSA},
	SHA256WithRSAPSS: {hash: crypto.SHA256, keyType: keyTypeRSA, pss: true},
	SHA256WithECDSA:  {hash: crypto.SHA256, keyType: keyTypeECDSA},
	SHA384WithECDSA:  {hash: crypto.SHA384, keyType: keyTypeECDSA},
}

// Algorithms returns the list of supported algorithms
func Algorithms() []Algorithm {
	return []Algorithm{
		SHA256WithRSA,
		SHA384WithRSA,
		SHA512WithRSA,
		SHA256WithRSAPSS,
		SHA256WithECDSA,
		SHA384WithECDSA,
	}
}

// ParseAlgorithm returns the algorithm by case insensitive name,
// or DefaultAlgorithm if the name is empty
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		return DefaultAlgorithm, nil
	}
	for _, a := range Algorithms() {
		if strings.EqualFold(string(a), name) {
			return a, nil
		}
	}
	return "", cryptoprov.Errorf(cryptoprov.ErrUnsupportedAlgorithm, "unsupported algorithm: %q", name)
}

// Hash returns the hash function of the algorithm
func (a Algorithm) Hash() crypto.Hash {
	return algorithms[a].hash
}

// KeyType returns the type of the key required by the algorithm
func (a Algorithm) KeyType() string {
	return algorithms[a].keyType
}

// SignerOpts returns options for crypto.Signer
func (a Algorithm) SignerOpts() crypto.SignerOpts {
	info := algorithms[a]
	if info.pss {
		return &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       info.hash,
		}
	}
	return info.hash
}

func (a Algorithm) info() (algorithmInfo, error) {
	info, ok := algorithms[a]
	if !ok {
		return info, cryptoprov.Errorf(cryptoprov.ErrUnsupportedAlgorithm, "unsupported algorithm: %q", string(a))
	}
	if !info.hash.Available() {
		return info, cryptoprov.Errorf(cryptoprov.ErrUnsupportedAlgorithm, "hash is not available: %s", info.hash)
	}
	return info, nil
}

// Digest returns the digest of the document for the algorithm
func (a Algorithm) Digest(document []byte) ([]byte, error) {
	info, err := a.info()
	if err != nil {
		return nil, err
	}
	h := info.hash.New()
	_, _ = h.Write(document)
	return h.Sum(nil), nil
}

// Sign returns the signature of the document.
// It fails with ErrUnsupportedAlgorithm, ErrKeyTypeMismatch,
// or ErrStoreOperation if the store fails to sign.
func Sign(key crypto.Signer, document []byte, algo Algorithm) ([]byte, error) {
	info, err := algo.info()
	if err != nil {
		return nil, err
	}
	if err = checkKeyType(key.Public(), info, algo); err != nil {
		return nil, err
	}

	provider := values.Select(manufacturer(key) != "", manufacturer(key), "software")
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), provider, "sign")

	digest, err := algo.Digest(document)
	if err != nil {
		return nil, err
	}

	sig, err := key.Sign(rand.Reader, digest, algo.SignerOpts())
	if err != nil {
		return nil, cryptoprov.Mark(err, cryptoprov.ErrStoreOperation, "unable to sign")
	}

	logger.KV(xlog.DEBUG, "provider", provider, "algo", algo, "size", len(sig))
	return sig, nil
}

// Verify returns true if the signature of the document is valid for
// the public key of the certificate.
// It does not use the store, and does not validate the certificate.
func Verify(crt *x509.Certificate, document, signature []byte, algo Algorithm) bool {
	if crt == nil {
		return false
	}
	err := VerifyPublicKey(crt.PublicKey, document, signature, algo)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "verify", "subject", crt.Subject.String(), "err", err.Error())
		return false
	}
	return true
}

// VerifyPublicKey returns nil if the signature of the document is valid
// for the public key, otherwise returns the reason
func VerifyPublicKey(pub crypto.PublicKey, document, signature []byte, algo Algorithm) error {
	info, err := algo.info()
	if err != nil {
		return err
	}
	if err = checkKeyType(pub, info, algo); err != nil {
		return err
	}
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), "software", "verify")

	digest, err := algo.Digest(document)
	if err != nil {
		return err
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if info.pss {
			err = rsa.VerifyPSS(k, info.hash, digest, signature, algo.SignerOpts().(*rsa.PSSOptions))
		} else {
			err = rsa.VerifyPKCS1v15(k, info.hash, digest, signature)
		}
		if err != nil {
			return errors.WithMessage(err, "invalid signature")
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest, signature) {
			return errors.New("invalid signature")
		}
	}
	return nil
}

func checkKeyType(pub crypto.PublicKey, info algorithmInfo, algo Algorithm) error {
	var typ string
	switch pub.(type) {
	case *rsa.PublicKey:
		typ = keyTypeRSA
	case *ecdsa.PublicKey:
		typ = keyTypeECDSA
	default:
		return cryptoprov.Errorf(cryptoprov.ErrKeyTypeMismatch, "%s requires %s key, but got %T", algo, info.keyType, pub)
	}
	if typ != info.keyType {
		return cryptoprov.Errorf(cryptoprov.ErrKeyTypeMismatch, "%s requires %s key, but got %s", algo, info.keyType, typ)
	}
	return nil
}

func manufacturer(key crypto.Signer) string {
	if m, ok := key.(interface{ Manufacturer() string }); ok {
		return m.Manufacturer()
	}
	return ""
}
