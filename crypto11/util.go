package crypto11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

// SlotTokenInfo provides info about the token in the slot
type SlotTokenInfo struct {
	id           uint
	description  string
	label        string
	manufacturer string
	model        string
	serial       string
	flags        uint
}

// KeyTypeNames maps CKK_* to the name
var KeyTypeNames = map[uint]string{
	pkcs11.CKK_RSA:            "CKK_RSA",
	pkcs11.CKK_DSA:            "CKK_DSA",
	pkcs11.CKK_DH:             "CKK_DH",
	pkcs11.CKK_EC:             "CKK_EC",
	pkcs11.CKK_AES:            "CKK_AES",
	pkcs11.CKK_DES3:           "CKK_DES3",
	pkcs11.CKK_GENERIC_SECRET: "CKK_GENERIC_SECRET",
}

// ObjectClassNames maps CKO_* to the name
var ObjectClassNames = map[uint]string{
	pkcs11.CKO_DATA:        "CKO_DATA",
	pkcs11.CKO_CERTIFICATE: "CKO_CERTIFICATE",
	pkcs11.CKO_PUBLIC_KEY:  "CKO_PUBLIC_KEY",
	pkcs11.CKO_PRIVATE_KEY: "CKO_PRIVATE_KEY",
	pkcs11.CKO_SECRET_KEY:  "CKO_SECRET_KEY",
}

// BytesToUlong converts CK_ULONG attribute value to uint
func BytesToUlong(bs []byte) uint {
	switch len(bs) {
	case 8:
		return uint(binary.NativeEndian.Uint64(bs))
	case 4:
		return uint(binary.NativeEndian.Uint32(bs))
	case 1:
		return uint(bs[0])
	}
	return 0
}

// CurrentSlotID returns current slot ID
func (p11lib *PKCS11Lib) CurrentSlotID() uint {
	return p11lib.Slot.id
}

// TokensInfo returns list of tokens
func (p11lib *PKCS11Lib) TokensInfo() ([]*SlotTokenInfo, error) {
	return tokensInfo(p11lib.Ctx)
}

func tokensInfo(ctx module) ([]*SlotTokenInfo, error) {
	list := []*SlotTokenInfo{}
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreUnavailable, "GetSlotList")
	}

	logger.Tracef("slots=%d", len(slots))

	for _, slotID := range slots {
		si, err := ctx.GetSlotInfo(slotID)
		if err != nil {
			return nil, mapError(err, cryptoprov.ErrStoreUnavailable, "GetSlotInfo: %d", slotID)
		}
		ti, err := ctx.GetTokenInfo(slotID)
		if err != nil {
			logger.KV(xlog.ERROR,
				"reason", "GetTokenInfo",
				"slotID", slotID,
				"manufacturer", si.ManufacturerID,
				"description", si.SlotDescription,
				"err", err.Error(),
			)
		} else if ti.SerialNumber != "" || ti.Label != "" {
			list = append(list, &SlotTokenInfo{
				id:           slotID,
				description:  strings.TrimSpace(si.SlotDescription),
				label:        strings.TrimSpace(ti.Label),
				manufacturer: strings.TrimSpace(ti.ManufacturerID),
				model:        strings.TrimSpace(ti.Model),
				serial:       strings.TrimSpace(ti.SerialNumber),
				flags:        ti.Flags,
			})
		}
	}
	return list, nil
}

// EnumTokens enumerates tokens
func (p11lib *PKCS11Lib) EnumTokens(currentSlotOnly bool) ([]cryptoprov.TokenInfo, error) {
	if currentSlotOnly {
		return []cryptoprov.TokenInfo{p11lib.Slot.tokenInfo()}, nil
	}

	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()
	if p11lib.closed {
		return nil, cryptoprov.ErrSessionClosed
	}

	list, err := p11lib.TokensInfo()
	if err != nil {
		return nil, err
	}
	res := make([]cryptoprov.TokenInfo, len(list))
	for i, ti := range list {
		res[i] = ti.tokenInfo()
	}
	return res, nil
}

func (si *SlotTokenInfo) tokenInfo() cryptoprov.TokenInfo {
	return cryptoprov.TokenInfo{
		SlotID:       si.id,
		Description:  si.description,
		Label:        si.label,
		Manufacturer: si.manufacturer,
		Model:        si.model,
		Serial:       si.serial,
	}
}

var (
	oidNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidNamedCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidNamedCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

func curveByParams(params []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, errors.WithMessage(err, "invalid CKA_EC_PARAMS")
	}
	switch {
	case oid.Equal(oidNamedCurveP256):
		return elliptic.P256(), nil
	case oid.Equal(oidNamedCurveP384):
		return elliptic.P384(), nil
	case oid.Equal(oidNamedCurveP521):
		return elliptic.P521(), nil
	}
	return nil, errors.Errorf("unsupported curve: %s", oid.String())
}

// publicKeyFromAttributes returns public key from
// CKA_MODULUS and CKA_PUBLIC_EXPONENT, or CKA_EC_PARAMS and CKA_EC_POINT
func publicKeyFromAttributes(keyType uint, attrs map[uint][]byte) (crypto.PublicKey, error) {
	switch keyType {
	case pkcs11.CKK_RSA:
		modulus := attrs[pkcs11.CKA_MODULUS]
		exponent := attrs[pkcs11.CKA_PUBLIC_EXPONENT]
		if len(modulus) == 0 || len(exponent) == 0 {
			return nil, errors.New("RSA public key attributes are not available")
		}
		e := new(big.Int).SetBytes(exponent)
		if !e.IsInt64() || e.Int64() > int64(^uint32(0)>>1) {
			return nil, errors.New("invalid RSA public exponent")
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(modulus),
			E: int(e.Int64()),
		}, nil

	case pkcs11.CKK_EC:
		curve, err := curveByParams(attrs[pkcs11.CKA_EC_PARAMS])
		if err != nil {
			return nil, err
		}
		// CKA_EC_POINT is DER encoded OCTET STRING
		var point []byte
		if _, err = asn1.Unmarshal(attrs[pkcs11.CKA_EC_POINT], &point); err != nil {
			return nil, errors.WithMessage(err, "invalid CKA_EC_POINT")
		}
		pub, err := ecdsa.ParseUncompressedPublicKey(curve, point)
		if err != nil {
			return nil, errors.WithMessage(err, "invalid CKA_EC_POINT")
		}
		return pub, nil
	}
	return nil, errors.Errorf("unsupported key type: %s", KeyTypeNames[keyType])
}
