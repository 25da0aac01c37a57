package cli

import (
	"crypto"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/certutil"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/oid"
	"github.com/effective-security/p11sign/signer"
	"github.com/effective-security/p11sign/x/fileutil"
	"github.com/effective-security/xlog"
)

// SignCmd signs the document
type SignCmd struct {
	Alias      string `help:"alias of the credential to sign with"`
	First      bool   `help:"sign with the first credential that holds a private key"`
	In         string `required:"" help:"location of the document to sign" type:"path"`
	Out        string `required:"" help:"location to write the signature" type:"path"`
	Algo       string `help:"signature algorithm" default:"SHA256withRSA"`
	KeyPinFile string `help:"location of the file with the per-entry key secret" type:"path"`
	SelfCheck  bool   `help:"verify the signature before writing it"`
}

func (a *SignCmd) selection() (cryptoprov.Selection, error) {
	switch {
	case a.First && a.Alias != "":
		return cryptoprov.Selection{}, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "--alias and --first are mutually exclusive")
	case a.First:
		return cryptoprov.Selection{Policy: cryptoprov.PolicyFirst}, nil
	case a.Alias != "":
		return cryptoprov.Selection{Policy: cryptoprov.PolicyExplicit, Alias: a.Alias}, nil
	default:
		return cryptoprov.Selection{}, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "specify --alias or --first")
	}
}

// Run the command
func (a *SignCmd) Run(ctx *Cli) error {
	sel, err := a.selection()
	if err != nil {
		return err
	}
	algo, err := signer.ParseAlgorithm(a.Algo)
	if err != nil {
		return err
	}

	document, err := os.ReadFile(a.In)
	if err != nil {
		return cryptoprov.Mark(err, cryptoprov.ErrIO, "unable to read document")
	}

	var keySecret []byte
	if a.KeyPinFile != "" {
		keySecret, err = cryptoprov.ResolveSecret("file:" + a.KeyPinFile)
		if err != nil {
			return err
		}
		defer cryptoprov.Wipe(keySecret)
	}

	s, err := ctx.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	alias, err := s.Resolve(sel)
	if err != nil {
		return err
	}
	out := ctx.Writer()
	fmt.Fprintf(out, "Using alias: %s\n", alias)
	if crt, err := s.GetCertificate(alias); err == nil && !oid.CanSign(crt) {
		logger.KV(xlog.WARNING, "reason", "key_usage", "alias", alias, "key_usage", oid.KeyUsages(crt.KeyUsage))
	}

	key, err := s.GetPrivateKeyHandle(alias, keySecret)
	if err != nil {
		return err
	}

	sig, err := signer.Sign(key, document, algo)
	if err != nil {
		return err
	}

	if a.SelfCheck {
		if err = verify(s, alias, key.Public(), document, sig, algo); err != nil {
			return err
		}
	}

	if err = fileutil.WriteFileAtomic(a.Out, sig, 0644); err != nil {
		return cryptoprov.Mark(err, cryptoprov.ErrIO, "unable to write signature")
	}

	logger.KV(xlog.INFO, "status", "signed", "alias", alias, "algo", algo, "out", a.Out)
	fmt.Fprintln(out, "Document signed successfully.")
	return nil
}

// verify checks the signature with the certificate of the alias,
// or with the public key of the key-only entry
func verify(s *cryptoprov.Session, alias string, pub crypto.PublicKey, document, sig []byte, algo signer.Algorithm) error {
	crt, err := s.GetCertificate(alias)
	if err == nil {
		pub = crt.PublicKey
	} else if !errors.Is(err, cryptoprov.ErrNotFound) {
		return err
	}
	if err = signer.VerifyPublicKey(pub, document, sig, algo); err != nil {
		return invalidSignature(errors.WithMessagef(err, "alias %q", alias))
	}
	return nil
}

func invalidSignature(err error) error {
	if cryptoprov.Category(err) != nil {
		return err
	}
	return cryptoprov.Mark(err, ErrInvalidSignature, "%s", ErrInvalidSignature.Error())
}

// VerifyCmd verifies the signature of the document
type VerifyCmd struct {
	In    string `required:"" help:"location of the signed document" type:"path"`
	Sig   string `required:"" help:"location of the signature" type:"path"`
	Cert  string `help:"location of the certificate in PEM format" type:"path"`
	Alias string `help:"alias of the credential in the store, used when --cert is not provided"`
	Algo  string `help:"signature algorithm" default:"SHA256withRSA"`
}

// Run the command
func (a *VerifyCmd) Run(ctx *Cli) error {
	algo, err := signer.ParseAlgorithm(a.Algo)
	if err != nil {
		return err
	}
	if a.Cert == "" && a.Alias == "" {
		return cryptoprov.Errorf(cryptoprov.ErrConfiguration, "specify --cert or --alias")
	}

	document, err := os.ReadFile(a.In)
	if err != nil {
		return cryptoprov.Mark(err, cryptoprov.ErrIO, "unable to read document")
	}
	sig, err := os.ReadFile(a.Sig)
	if err != nil {
		return cryptoprov.Mark(err, cryptoprov.ErrIO, "unable to read signature")
	}

	if a.Cert != "" {
		crt, err := certutil.LoadFromPEM(a.Cert)
		if err != nil {
			return cryptoprov.Mark(err, cryptoprov.ErrIO, "unable to load certificate")
		}
		if err = signer.VerifyPublicKey(crt.PublicKey, document, sig, algo); err != nil {
			return invalidSignature(err)
		}
	} else {
		s, err := ctx.OpenSession()
		if err != nil {
			return err
		}
		defer s.Close()

		pub, err := s.GetPublicKey(a.Alias)
		if err != nil {
			return err
		}
		if err = verify(s, a.Alias, pub, document, sig, algo); err != nil {
			return err
		}
	}

	fmt.Fprintln(ctx.Writer(), "Signature is valid.")
	return nil
}
