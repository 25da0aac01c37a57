package testca

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/cryptoprov/softprov"
	"gopkg.in/yaml.v3"
)

// TokenEntry describes an alias of the software token
type TokenEntry struct {
	Alias  string
	Entity *Entity
	// WithCert saves the certificate of the entity
	WithCert bool
	// WithKey saves the private key of the entity
	WithKey bool
	// KeySecret encrypts the private key, if provided
	KeySecret []byte
}

// WriteSoftToken writes the manifest, certificates and keys of the software
// token to the folder, and returns the token configuration
func WriteSoftToken(dir string, pin []byte, entries ...TokenEntry) (cryptoprov.TokenConfig, error) {
	hash, err := softprov.HashPin(pin)
	if err != nil {
		return nil, err
	}

	m := &softprov.Manifest{PinHash: hash}
	for _, te := range entries {
		me := softprov.ManifestEntry{Alias: te.Alias}
		var certFile, keyFile string
		if te.WithCert {
			me.Certificate = te.Alias + ".pem"
			certFile = filepath.Join(dir, me.Certificate)
		}
		if te.WithKey {
			me.Key = te.Alias + ".key"
			keyFile = filepath.Join(dir, me.Key)
		}
		if err = te.Entity.SaveCertAndKey(certFile, keyFile, te.KeySecret); err != nil {
			return nil, errors.WithStack(err)
		}
		m.Entries = append(m.Entries, me)
	}

	b, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	manifest := filepath.Join(dir, "manifest.yaml")
	if err = os.WriteFile(manifest, b, 0o600); err != nil {
		return nil, errors.WithStack(err)
	}

	return cryptoprov.NewTokenConfig(softprov.ProviderName, "test", manifest, "", "", "", ""), nil
}
