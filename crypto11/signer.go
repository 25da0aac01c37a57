package crypto11

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/metricskey"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var (
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

type digestInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	Digest    []byte
}

type hashParams struct {
	oid  asn1.ObjectIdentifier
	ckm  uint
	mgf1 uint
}

var hashes = map[crypto.Hash]hashParams{
	crypto.SHA256: {oid: oidSHA256, ckm: pkcs11.CKM_SHA256, mgf1: pkcs11.CKG_MGF1_SHA256},
	crypto.SHA384: {oid: oidSHA384, ckm: pkcs11.CKM_SHA384, mgf1: pkcs11.CKG_MGF1_SHA384},
	crypto.SHA512: {oid: oidSHA512, ckm: pkcs11.CKM_SHA512, mgf1: pkcs11.CKG_MGF1_SHA512},
}

// p11Signer is crypto.Signer for the private key on the token
type p11Signer struct {
	lib        *PKCS11Lib
	alias      string
	handle     pkcs11.ObjectHandle
	keyType    uint
	alwaysAuth bool
	secret     []byte
	pub        crypto.PublicKey
}

// Public returns public key
func (s *p11Signer) Public() crypto.PublicKey {
	return s.pub
}

// Manufacturer returns manufacturer of the token
func (s *p11Signer) Manufacturer() string {
	return s.lib.Manufacturer()
}

// Sign signs digest with the key on the token
func (s *p11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	hash := opts.HashFunc()
	hp, ok := hashes[hash]
	if !ok {
		return nil, cryptoprov.Errorf(cryptoprov.ErrUnsupportedAlgorithm, "unsupported hash: %s", hash)
	}
	if len(digest) != hash.Size() {
		return nil, errors.Errorf("invalid digest size: %d", len(digest))
	}

	var mechanism *pkcs11.Mechanism
	data := digest

	switch s.keyType {
	case pkcs11.CKK_RSA:
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			saltLength := pss.SaltLength
			if saltLength == rsa.PSSSaltLengthEqualsHash || saltLength == rsa.PSSSaltLengthAuto {
				saltLength = hash.Size()
			}
			mechanism = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS,
				pkcs11.NewPSSParams(hp.ckm, hp.mgf1, uint(saltLength)))
		} else {
			prefix, err := digestPrefix(hash, hp.oid)
			if err != nil {
				return nil, err
			}
			mechanism = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
			data = append(prefix, digest...)
		}
	case pkcs11.CKK_EC:
		mechanism = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	default:
		return nil, cryptoprov.Errorf(cryptoprov.ErrKeyTypeMismatch, "unsupported key type: %d", s.keyType)
	}

	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), s.lib.Manufacturer(), "sign")

	sig, err := s.sign(mechanism, data)
	if err != nil {
		return nil, err
	}

	if s.keyType == pkcs11.CKK_EC {
		return ecdsaToASN1(sig)
	}
	return sig, nil
}

func (s *p11Signer) sign(mechanism *pkcs11.Mechanism, data []byte) ([]byte, error) {
	lib := s.lib
	lib.lock.Lock()
	defer lib.lock.Unlock()

	if lib.closed {
		return nil, cryptoprov.ErrSessionClosed
	}

	err := lib.Ctx.SignInit(lib.session, []*pkcs11.Mechanism{mechanism}, s.handle)
	if err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreOperation, "SignInit on %q", s.alias)
	}

	if s.alwaysAuth {
		err = lib.Ctx.Login(lib.session, pkcs11.CKU_CONTEXT_SPECIFIC, string(s.secret))
		if err != nil {
			// terminate the active operation, the result is discarded
			_, _ = lib.Ctx.Sign(lib.session, data)
			return nil, mapError(err, cryptoprov.ErrAuthentication, "context specific login for %q", s.alias)
		}
	}

	sig, err := lib.Ctx.Sign(lib.session, data)
	if err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreOperation, "Sign with %q", s.alias)
	}

	logger.KV(xlog.DEBUG, "alias", s.alias, "mechanism", s.mechanismName(mechanism), "size", len(sig))
	return sig, nil
}

func (s *p11Signer) mechanismName(m *pkcs11.Mechanism) string {
	switch m.Mechanism {
	case pkcs11.CKM_RSA_PKCS:
		return "CKM_RSA_PKCS"
	case pkcs11.CKM_RSA_PKCS_PSS:
		return "CKM_RSA_PKCS_PSS"
	case pkcs11.CKM_ECDSA:
		return "CKM_ECDSA"
	}
	return "unknown"
}

// digestPrefix returns DER encoded DigestInfo without the digest,
// CKM_RSA_PKCS signs DigestInfo as is
func digestPrefix(hash crypto.Hash, oid asn1.ObjectIdentifier) ([]byte, error) {
	di := digestInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oid,
			Parameters: asn1.RawValue{Tag: asn1.TagNull},
		},
		Digest: make([]byte, hash.Size()),
	}
	full, err := asn1.Marshal(di)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return full[:len(full)-hash.Size()], nil
}

// ecdsaToASN1 converts r||s returned by CKM_ECDSA to ASN.1 signature
func ecdsaToASN1(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, cryptoprov.Errorf(cryptoprov.ErrStoreOperation, "invalid ECDSA signature length: %d", len(sig))
	}
	n := len(sig) / 2
	b, err := asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(sig[:n]),
		S: new(big.Int).SetBytes(sig[n:]),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}
