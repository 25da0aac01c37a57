package crypto11

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/miekg/pkcs11"
)

var codeCategories = map[uint]error{
	pkcs11.CKR_PIN_INCORRECT:            cryptoprov.ErrAuthentication,
	pkcs11.CKR_PIN_INVALID:              cryptoprov.ErrAuthentication,
	pkcs11.CKR_PIN_LEN_RANGE:            cryptoprov.ErrAuthentication,
	pkcs11.CKR_PIN_EXPIRED:              cryptoprov.ErrAuthentication,
	pkcs11.CKR_PIN_LOCKED:               cryptoprov.ErrAuthentication,
	pkcs11.CKR_USER_PIN_NOT_INITIALIZED: cryptoprov.ErrAuthentication,
	pkcs11.CKR_USER_NOT_LOGGED_IN:       cryptoprov.ErrAuthentication,

	pkcs11.CKR_TOKEN_NOT_PRESENT:    cryptoprov.ErrStoreUnavailable,
	pkcs11.CKR_TOKEN_NOT_RECOGNIZED: cryptoprov.ErrStoreUnavailable,
	pkcs11.CKR_DEVICE_REMOVED:       cryptoprov.ErrStoreUnavailable,
	pkcs11.CKR_SLOT_ID_INVALID:      cryptoprov.ErrStoreUnavailable,

	pkcs11.CKR_KEY_TYPE_INCONSISTENT:      cryptoprov.ErrKeyTypeMismatch,
	pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED: cryptoprov.ErrKeyTypeMismatch,
	pkcs11.CKR_MECHANISM_INVALID:          cryptoprov.ErrUnsupportedAlgorithm,
	pkcs11.CKR_MECHANISM_PARAM_INVALID:    cryptoprov.ErrUnsupportedAlgorithm,
}

// isCode returns true if err is PKCS#11 error with the code
func isCode(err error, code uint) bool {
	var p11err pkcs11.Error
	return errors.As(err, &p11err) && uint(p11err) == code
}

// mapError marks PKCS#11 error with the category by the return value,
// or with the provided category
func mapError(err error, category error, format string, args ...any) error {
	var p11err pkcs11.Error
	if errors.As(err, &p11err) {
		if c, ok := codeCategories[uint(p11err)]; ok {
			category = c
		}
	}
	return cryptoprov.Mark(err, category, format, args...)
}
