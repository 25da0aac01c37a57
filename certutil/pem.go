package certutil

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/youmark/pkcs8"
)

const certTimeFormat = "Jan _2 15:04:05 2006 MST"

// ErrEncryptedKey is returned when the key is encrypted and the password is not provided
var ErrEncryptedKey = errors.New("encrypted private key")

// LoadFromPEM returns Certificate loaded from the file
func LoadFromPEM(certFile string) (*x509.Certificate, error) {
	b, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return ParseFromPEM(b)
}

// ParseFromPEM returns Certificate parsed from PEM
func ParseFromPEM(b []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
		return nil, errors.Errorf("unable to parse PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to parse certificate")
	}

	return cert, nil
}

// ParseChainFromPEM returns Certificates parsed from PEM
func ParseChainFromPEM(certificateChainPem []byte) ([]*x509.Certificate, error) {
	list := make([]*x509.Certificate, 0)
	var block *pem.Block
	// trim white space around PEM
	rest := bytes.TrimSpace(certificateChainPem)
	for len(rest) != 0 {
		block, rest = pem.Decode(rest)
		if block == nil {
			return list, errors.Errorf("potentially malformed PEM")
		}
		if block.Type == "CERTIFICATE" {
			crt, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errors.WithMessage(err, "failed to parse certificate")
			}
			list = append(list, crt)
		}
		rest = bytes.TrimSpace(rest)
	}
	return list, nil
}

// EncodeToPEM converts certificates to PEM format, with optional comments
func EncodeToPEM(out io.Writer, withComments bool, certs ...*x509.Certificate) error {
	for _, crt := range certs {
		if crt == nil {
			continue
		}
		if withComments {
			fmt.Fprintf(out, "#   Issuer: %s", NameToString(&crt.Issuer))
			fmt.Fprintf(out, "\n#   Subject: %s", NameToString(&crt.Subject))
			fmt.Fprint(out, "\n#   Validity")
			fmt.Fprintf(out, "\n#       Not Before: %s", crt.NotBefore.UTC().Format(certTimeFormat))
			fmt.Fprintf(out, "\n#       Not After : %s", crt.NotAfter.UTC().Format(certTimeFormat))
			fmt.Fprint(out, "\n")
		}

		err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: crt.Raw})
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// EncodeToPEMString converts certificates to PEM format, with optional comments
func EncodeToPEMString(withComments bool, certs ...*x509.Certificate) (string, error) {
	if len(certs) == 0 || certs[0] == nil {
		return "", nil
	}

	b := bytes.NewBuffer([]byte{})
	err := EncodeToPEM(b, withComments, certs...)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(b.String())
	return strings.ReplaceAll(s, "\n\n", "\n"), nil
}

// EncodePublicKeyToPEM returns PEM encoded public key
func EncodePublicKeyToPEM(pubKey crypto.PublicKey) ([]byte, error) {
	asn1Bytes, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: asn1Bytes,
	}), nil
}

// EncodePrivateKeyToPEM returns PKCS#8 PEM encoded private key,
// encrypted if the password is provided
func EncodePrivateKeyToPEM(priv crypto.PrivateKey, password []byte) ([]byte, error) {
	switch priv.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
	default:
		return nil, errors.Errorf("unsupported key: %T", priv)
	}

	der, err := pkcs8.MarshalPrivateKey(priv, password, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode key")
	}

	typ := "PRIVATE KEY"
	if len(password) > 0 {
		typ = "ENCRYPTED PRIVATE KEY"
	}
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), nil
}

// IsEncryptedPEM returns true if the PEM contains encrypted private key
func IsEncryptedPEM(keyPEM []byte) bool {
	block := firstKeyBlock(keyPEM)
	if block == nil {
		return false
	}
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		return true
	}
	procType, ok := block.Headers["Proc-Type"]
	return ok && strings.Contains(procType, "ENCRYPTED")
}

// ParsePrivateKeyPEMWithPassword parses and returns a PEM-encoded private
// key. The private key may be a potentially encrypted PKCS#8, PKCS#1,
// or elliptic private key.
func ParsePrivateKeyPEMWithPassword(keyPEM []byte, password []byte) (crypto.Signer, error) {
	block := firstKeyBlock(keyPEM)
	if block == nil {
		return nil, errors.Errorf("unable to decode private key")
	}

	if IsEncryptedPEM(keyPEM) {
		if len(password) == 0 {
			return nil, errors.WithStack(ErrEncryptedKey)
		}
		if block.Type != "ENCRYPTED PRIVATE KEY" {
			return nil, errors.Errorf("legacy PEM encryption is not supported")
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
		if err != nil {
			// the reason is not included, to not leak any info about the key
			return nil, errors.Errorf("unable to decrypt private key")
		}
		return toSigner(key)
	}

	return ParsePrivateKeyDER(block.Bytes)
}

// ParsePrivateKeyDER parses a PKCS #1, PKCS #8, ECDSA, or Ed25519 DER-encoded
// private key. The key must not be in PEM format.
func ParsePrivateKeyDER(keyDER []byte) (crypto.Signer, error) {
	generalKey, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		generalKey, err = x509.ParsePKCS1PrivateKey(keyDER)
		if err != nil {
			generalKey, err = x509.ParseECPrivateKey(keyDER)
			if err != nil {
				return nil, errors.Errorf("unable to parse private key")
			}
		}
	}
	return toSigner(generalKey)
}

func toSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	}
	return nil, errors.Errorf("unsupported key: %T", key)
}

// firstKeyBlock skips EC PARAMETERS blocks, openssl includes them by default
func firstKeyBlock(in []byte) *pem.Block {
	var block *pem.Block
	for {
		block, in = pem.Decode(in)
		if block == nil || block.Type != "EC PARAMETERS" {
			return block
		}
	}
}
