package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/crypto11"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/cryptoprov/awskmsprov"
	"github.com/effective-security/p11sign/cryptoprov/gcpkmsprov"
	"github.com/effective-security/p11sign/cryptoprov/softprov"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11sign", "cli")

// PinEnv is the environment variable with the token PIN
const PinEnv = "P11SIGN_PIN"

// Cli provides CLI context to run commands
type Cli struct {
	Cfg      string `help:"Location of token config file" type:"path" env:"P11SIGN_CFG"`
	PinFile  string `help:"Location of the file with token PIN, P11SIGN_PIN environment variable is used if not set" type:"path"`
	Serial   string `help:"Token serial, overrides the configured value"`
	Label    string `help:"Token label, overrides the configured value"`
	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	ctx     context.Context
	loaders cryptoprov.Loaders
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// WithLoaders allows to specify the store loaders
func (c *Cli) WithLoaders(loaders cryptoprov.Loaders) *Cli {
	c.loaders = loaders
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(_ *kong.Kong, _ kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.ToUpper(strings.TrimLeft(c.LogLevel, "="))
		if val == "WARN" {
			// xlog names the level WARNING
			val = "WARNING"
		}
		l, err := xlog.ParseLevel(val)
		if err != nil {
			return cryptoprov.Mark(err, cryptoprov.ErrConfiguration, "invalid log level")
		}
		xlog.SetGlobalLogLevel(l)
	}
	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value any) error {
	b, err := json.MarshalIndent(value, "", "\t")
	if err != nil {
		return errors.WithMessage(err, "failed to encode")
	}
	_, _ = c.Writer().Write(b)
	_, _ = c.Writer().Write([]byte("\n"))
	return nil
}

// Loaders returns the store loaders for the configuration.
// PKCS#11 loader serves any manufacturer without a dedicated store.
func (c *Cli) Loaders(tc cryptoprov.TokenConfig) cryptoprov.Loaders {
	if c.loaders != nil {
		return c.loaders
	}
	loaders := cryptoprov.Loaders{
		softprov.ProviderName:   softprov.Loader,
		awskmsprov.ProviderName: awskmsprov.KmsLoader,
		gcpkmsprov.ProviderName: gcpkmsprov.KmsLoader,
	}
	if _, ok := loaders[tc.Manufacturer()]; !ok {
		_ = loaders.Register(tc.Manufacturer(), crypto11.LoadProvider)
	}
	return loaders
}

// TokenConfig loads the token configuration with the overrides
func (c *Cli) TokenConfig() (cryptoprov.TokenConfig, error) {
	if c.Cfg == "" {
		return nil, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "use --cfg flag to specify token config file")
	}
	tc, err := cryptoprov.LoadTokenConfig(c.Cfg)
	if err != nil {
		return nil, err
	}
	return cryptoprov.WithOverrides(tc, &cryptoprov.TokenOverrides{
		Serial: c.Serial,
		Label:  c.Label,
	})
}

// secret returns the token PIN from --pin-file, the environment,
// or the configured reference
func (c *Cli) secret(tc cryptoprov.TokenConfig) ([]byte, error) {
	if c.PinFile != "" {
		return cryptoprov.ResolveSecret("file:" + c.PinFile)
	}
	if pin, ok := os.LookupEnv(PinEnv); ok {
		return []byte(pin), nil
	}
	if tc.Pin() == "" {
		return nil, nil
	}
	return cryptoprov.LoadSecret(tc)
}

// OpenSession opens the session to the configured store.
// The caller must close the session.
func (c *Cli) OpenSession() (*cryptoprov.Session, error) {
	tc, err := c.TokenConfig()
	if err != nil {
		return nil, err
	}

	secret, err := c.secret(tc)
	if err != nil {
		return nil, err
	}
	defer cryptoprov.Wipe(secret)

	logger.KV(xlog.DEBUG, "cfg", c.Cfg, "token", tc)
	return cryptoprov.Open(c.Context(), tc, secret, c.Loaders(tc))
}
