package gcpkmsprov

import (
	"context"
	"crypto"
	"crypto/rsa"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/metricskey"
	"github.com/effective-security/xlog"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Signer implements crypto.Signer interface
type Signer struct {
	prov      *Provider
	keyID     string
	label     string
	algorithm kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm
	pubKey    crypto.PublicKey
}

// NewSigner creates new signer
func NewSigner(prov *Provider, keyID string, label string, algorithm kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, publicKey crypto.PublicKey) *Signer {
	logger.KV(xlog.DEBUG, "id", keyID, "label", label, "algo", algorithm)
	return &Signer{
		prov:      prov,
		keyID:     keyID,
		label:     label,
		algorithm: algorithm,
		pubKey:    publicKey,
	}
}

// KeyID returns the key version name of the signer
func (s *Signer) KeyID() string {
	return s.keyID
}

// Label returns key label of the signer
func (s *Signer) Label() string {
	return s.label
}

// Manufacturer returns the provider name
func (s *Signer) Manufacturer() string {
	return ProviderName
}

// Public returns public key for the signer
func (s *Signer) Public() crypto.PublicKey {
	return s.pubKey
}

func (s *Signer) String() string {
	return fmt.Sprintf("id=%s, label=%s", s.keyID, s.label)
}

// Sign implements signing operation
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "sign")

	if s.prov.closed.Load() {
		return nil, cryptoprov.ErrSessionClosed
	}

	d, err := kmsDigest(digest, opts)
	if err != nil {
		return nil, err
	}
	if err = checkAlgorithm(s.algorithm, opts); err != nil {
		return nil, err
	}

	req := &kmspb.AsymmetricSignRequest{
		Name:         s.keyID,
		Digest:       d,
		DigestCrc32C: wrapperspb.Int64(crc32c(digest)),
	}
	resp, err := s.prov.kmsClient.AsymmetricSign(context.Background(), req, noRetry)
	if err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreOperation, "unable to sign")
	}
	if !resp.VerifiedDigestCrc32C {
		return nil, cryptoprov.Errorf(cryptoprov.ErrStoreOperation, "digest was corrupted in transit, id=%s", s.keyID)
	}
	if resp.SignatureCrc32C != nil && resp.SignatureCrc32C.Value != crc32c(resp.Signature) {
		return nil, cryptoprov.Errorf(cryptoprov.ErrStoreOperation, "signature checksum mismatch, id=%s", s.keyID)
	}
	return resp.Signature, nil
}

func kmsDigest(digest []byte, opts crypto.SignerOpts) (*kmspb.Digest, error) {
	switch opts.HashFunc() {
	case crypto.SHA256:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}}, nil
	case crypto.SHA384:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha384{Sha384: digest}}, nil
	case crypto.SHA512:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha512{Sha512: digest}}, nil
	default:
		return nil, cryptoprov.Errorf(cryptoprov.ErrUnsupportedAlgorithm, "unsupported hash: %s", opts.HashFunc())
	}
}

// checkAlgorithm returns error if the key version can not produce
// the signature for opts. The padding and the hash of a key version are fixed.
func checkAlgorithm(algorithm kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, opts crypto.SignerOpts) error {
	name := algorithm.String()
	_, pss := opts.(*rsa.PSSOptions)

	var ok bool
	switch {
	case strings.HasPrefix(name, "RSA_SIGN_PSS_"):
		ok = pss
	case strings.HasPrefix(name, "RSA_SIGN_PKCS1_"):
		ok = !pss
	case strings.HasPrefix(name, "EC_SIGN_P"):
		ok = true
	}
	hash := strings.ReplaceAll(opts.HashFunc().String(), "-", "")
	if !ok || !strings.HasSuffix(name, "_"+hash) {
		return cryptoprov.Errorf(cryptoprov.ErrUnsupportedAlgorithm, "%s is not supported by %s key", signatureName(opts, pss), name)
	}
	return nil
}

func signatureName(opts crypto.SignerOpts, pss bool) string {
	if pss {
		return opts.HashFunc().String() + "-PSS"
	}
	return opts.HashFunc().String()
}
