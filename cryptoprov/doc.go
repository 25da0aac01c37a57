// Package cryptoprov provides authenticated sessions to credential stores:
// PKCS#11 tokens, cloud KMS services and software tokens.
//
// A Store is opened by the Loader registered for the configured manufacturer.
// The Session serializes calls to the store, enumerates and describes its aliases,
// resolves the alias to sign with, and returns KeyHandle values that never
// expose the private key material.
//
// Errors returned by the package are marked with one of the categories,
// such as ErrAuthentication or ErrNotFound, use errors.Is to test for them.
package cryptoprov
