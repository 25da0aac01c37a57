// Package crypto11 provides a credential store over PKCS#11 cryptographic
// devices such as Hardware Security Modules (HSMs) and smart cards.
//
// The store opens one read-only session on the configured token and logs in
// as the user. Aliases are CKA_LABEL values of certificate and private key
// objects. Private keys never leave the device, they are exposed as
// crypto.Signer for:
//   - RSA PKCS#1 v1.5 and PSS signatures
//   - ECDSA signatures
//
// Keys with CKA_ALWAYS_AUTHENTICATE require a context specific login
// with the per-entry secret before each signature.
package crypto11
