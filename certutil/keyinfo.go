package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"

	"github.com/cockroachdb/errors"
	"github.com/go-jose/go-jose/v3"
)

// KeyInfo provides information about the key
type KeyInfo struct {
	KeySize   int
	Type      string
	IsPrivate bool
	// Hash is the hash recommended for the key size
	Hash crypto.Hash
	Key  any
}

// NewKeyInfo returns *KeyInfo for private or public key,
// crypto.Signer, or JSON Web Key
func NewKeyInfo(k any) (*KeyInfo, error) {
	ki := &KeyInfo{Key: k}
	var pubKey crypto.PublicKey

	switch typ := k.(type) {
	case *rsa.PrivateKey:
		ki.KeySize = typ.N.BitLen()
		ki.IsPrivate = true
		ki.Type = "RSA"
		ki.Hash = hashAlgo(typ.Public())
		return ki, nil
	case *ecdsa.PrivateKey:
		ki.Type = "ECDSA"
		ki.IsPrivate = true
		ki.KeySize = typ.Curve.Params().BitSize
		ki.Hash = hashAlgo(typ.Public())
		return ki, nil
	case crypto.Signer:
		pubKey = typ.Public()
	case *jose.JSONWebKey:
		return NewKeyInfo(typ.Key)
	default:
		pubKey = k
	}

	switch typ := pubKey.(type) {
	case *rsa.PublicKey:
		ki.KeySize = typ.N.BitLen()
		ki.Type = "RSA"
	case *ecdsa.PublicKey:
		ki.Type = "ECDSA"
		ki.KeySize = typ.Curve.Params().BitSize
	case ed25519.PublicKey:
		ki.Type = "Ed25519"
		ki.KeySize = 256
	default:
		return nil, errors.Errorf("key not supported: %T", typ)
	}
	ki.Hash = hashAlgo(pubKey)
	return ki, nil
}

// JWK returns JSON Web Key for the public key
func JWK(pub crypto.PublicKey, keyID string) ([]byte, error) {
	jwk := jose.JSONWebKey{
		Key:   pub,
		KeyID: keyID,
		Use:   "sig",
	}
	if !jwk.Valid() {
		return nil, errors.Errorf("key not supported: %T", pub)
	}
	b, err := jwk.MarshalJSON()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

func hashAlgo(pub crypto.PublicKey) crypto.Hash {
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		keySize := pub.N.BitLen()
		switch {
		case keySize >= 4096:
			return crypto.SHA512
		case keySize >= 3072:
			return crypto.SHA384
		default:
			return crypto.SHA256
		}
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P384():
			return crypto.SHA384
		case elliptic.P521():
			return crypto.SHA512
		default:
			return crypto.SHA256
		}
	default:
		return crypto.SHA256
	}
}
