package cli

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
)

// ErrInvalidSignature is returned when the signature does not verify
var ErrInvalidSignature = errors.New("signature verification failed")

// exit codes by error category, any other error exits with 1
var exitCodes = []struct {
	category error
	code     int
}{
	{cryptoprov.ErrConfiguration, 2},
	{cryptoprov.ErrStoreUnavailable, 3},
	{cryptoprov.ErrAuthentication, 4},
	{cryptoprov.ErrNotFound, 5},
	{cryptoprov.ErrKeyTypeMismatch, 6},
	{cryptoprov.ErrUnsupportedAlgorithm, 7},
	{cryptoprov.ErrStoreOperation, 8},
	{cryptoprov.ErrIO, 9},
	{ErrInvalidSignature, 10},
}

// ExitCode returns the process exit code for the error
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for _, c := range exitCodes {
		if errors.Is(err, c.category) {
			return c.code
		}
	}
	return 1
}
