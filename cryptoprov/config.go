package cryptoprov

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

// TokenConfig holds configuration of a credential store.
//
// A PKCS#11 token may be identified either by serial number or label.  If
// both are specified then the first match wins.
type TokenConfig interface {
	// Manufacturer name of the manufacturer, selects the store loader
	Manufacturer() string

	// Model name of the device
	Model() string

	// Path to PKCS#11 library, or to the store manifest
	Path() string

	// Token serial number
	TokenSerial() string

	// Token label
	TokenLabel() string

	// Pin is a reference to the secret to access the token.
	// If it's prefixed with `file:`, then it will be loaded from the file,
	// if it's prefixed with `env:`, then it will be loaded from the environment.
	Pin() string

	// Comma separated key=value pair of attributes(e.g. "Region=x,Endpoint=y")
	Attributes() string
}

type tokenConfig struct {
	Man    string `json:"Manufacturer" yaml:"manufacturer"`
	Mod    string `json:"Model"        yaml:"model"`
	Dir    string `json:"Path"         yaml:"path"`
	Serial string `json:"TokenSerial"  yaml:"token_serial"`
	Label  string `json:"TokenLabel"   yaml:"token_label"`
	Pwd    string `json:"Pin"          yaml:"pin"`
	Attrs  string `json:"Attributes"   yaml:"attributes"`
}

// Manufacturer name of the manufacturer
func (c *tokenConfig) Manufacturer() string {
	return c.Man
}

// Model name of the device
func (c *tokenConfig) Model() string {
	return c.Mod
}

// Path to PKCS#11 library, or to the store manifest
func (c *tokenConfig) Path() string {
	return c.Dir
}

// Token serial number
func (c *tokenConfig) TokenSerial() string {
	return c.Serial
}

// Token label
func (c *tokenConfig) TokenLabel() string {
	return c.Label
}

// Pin is a reference to the secret to access the token.
func (c *tokenConfig) Pin() string {
	return c.Pwd
}

// Attributes is list of additional key=value pairs
func (c *tokenConfig) Attributes() string {
	return c.Attrs
}

// String returns the configuration with the PIN masked
func (c *tokenConfig) String() string {
	return fmt.Sprintf("manufacturer=%s, model=%s, path=%s, serial=%s, label=%s, pin=%s",
		c.Man, c.Mod, c.Dir, c.Serial, c.Label, maskPin(c.Pwd))
}

func maskPin(pin string) string {
	switch {
	case pin == "":
		return "<not set>"
	case strings.HasPrefix(pin, "file:"), strings.HasPrefix(pin, "env:"):
		return pin
	default:
		return "****"
	}
}

// NewTokenConfig returns TokenConfig with the given values
func NewTokenConfig(manufacturer, model, path, serial, label, pin, attributes string) TokenConfig {
	return &tokenConfig{
		Man:    manufacturer,
		Mod:    model,
		Dir:    path,
		Serial: serial,
		Label:  label,
		Pwd:    pin,
		Attrs:  attributes,
	}
}

// LoadTokenConfig loads token configuration from YAML or JSON file.
// The relative `file:` PIN references are resolved against the current folder,
// and the folder of the configuration file.
func LoadTokenConfig(filename string) (TokenConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, Mark(err, ErrConfiguration, "unable to load configuration")
	}
	tc := new(tokenConfig)

	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(bytes.NewReader(b)).Decode(tc)
	} else {
		err = yaml.NewDecoder(bytes.NewReader(b)).Decode(tc)
	}
	if err != nil {
		return nil, Mark(err, ErrConfiguration, "failed to decode file: %s", filename)
	}
	if tc.Man == "" {
		return nil, Errorf(ErrConfiguration, "manufacturer is not specified: %s", filename)
	}

	if strings.HasPrefix(tc.Pwd, "file:") {
		pinfile := tc.Pwd[5:]

		// try to resolve pin file
		cwd, _ := os.Getwd()
		folders := []string{
			"",
			cwd,
			filepath.Dir(filename),
		}

		for _, folder := range folders {
			if resolved, err := resolve(pinfile, folder); err == nil {
				pinfile = resolved
				break
			}
			logger.Debugf("reason=resolve, pinfile=%q, basedir=%q", pinfile, folder)
		}
		tc.Pwd = "file:" + pinfile
	}

	return tc, nil
}

// TokenOverrides specifies values that replace the configured ones,
// empty values are ignored
type TokenOverrides struct {
	Dir    string
	Serial string
	Label  string
	Attrs  string
}

// WithOverrides returns a copy of the configuration with non-empty overrides applied
func WithOverrides(tc TokenConfig, o *TokenOverrides) (TokenConfig, error) {
	c := &tokenConfig{
		Man:    tc.Manufacturer(),
		Mod:    tc.Model(),
		Dir:    tc.Path(),
		Serial: tc.TokenSerial(),
		Label:  tc.TokenLabel(),
		Pwd:    tc.Pin(),
		Attrs:  tc.Attributes(),
	}
	if o == nil {
		return c, nil
	}
	if err := copier.CopyWithOption(c, o, copier.Option{IgnoreEmpty: true}); err != nil {
		return nil, Mark(err, ErrConfiguration, "unable to apply overrides")
	}
	return c, nil
}

// LoadSecret returns the secret referenced by the configuration.
// The caller should wipe the returned bytes after the session is opened.
func LoadSecret(tc TokenConfig) ([]byte, error) {
	return ResolveSecret(tc.Pin())
}

// ResolveSecret returns the secret for the literal, `file:` or `env:` reference
func ResolveSecret(ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "file:"):
		pb, err := os.ReadFile(ref[5:])
		if err != nil {
			return nil, Mark(err, ErrConfiguration, "unable to load PIN")
		}
		return bytes.TrimSpace(pb), nil
	case strings.HasPrefix(ref, "env:"):
		name := ref[4:]
		val, ok := os.LookupEnv(name)
		if !ok {
			return nil, Errorf(ErrConfiguration, "PIN environment variable is not set: %s", name)
		}
		return []byte(val), nil
	default:
		return []byte(ref), nil
	}
}

// Wipe overwrites the secret
func Wipe(secret []byte) {
	for i := range secret {
		secret[i] = 0
	}
}

// ParseAttributes returns the key=value pairs from the comma separated list
func ParseAttributes(attributes string) map[string]string {
	attrs := make(map[string]string)
	for _, v := range strings.Split(attributes, ",") {
		k, val, _ := strings.Cut(v, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		attrs[k] = strings.TrimSpace(val)
	}
	return attrs
}

// resolve returns absolute file name relative to baseDir,
// or NewNotFound error.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
