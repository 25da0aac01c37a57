package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/effective-security/p11sign/certutil"
	"github.com/effective-security/p11sign/cryptoprov"
)

// ListCmd prints the credentials in the store
type ListCmd struct {
	Keys *bool `help:"list only entries with a private key, or without one when set to false"`
	JSON bool  `name:"json" help:"print as JSON"`
}

// Run the command
func (a *ListCmd) Run(ctx *Cli) error {
	s, err := ctx.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	var list []*cryptoprov.Credential
	for alias, err := range s.Aliases() {
		if err != nil {
			return err
		}
		c, err := s.Describe(alias)
		if err != nil {
			return err
		}
		if a.Keys != nil && *a.Keys != c.HasKey {
			continue
		}
		list = append(list, c)
	}

	if a.JSON {
		if list == nil {
			list = []*cryptoprov.Credential{}
		}
		return ctx.WriteJSON(list)
	}

	out := ctx.Writer()
	if len(list) == 0 {
		fmt.Fprintln(out, "no credentials found")
		return nil
	}
	for _, c := range list {
		fmt.Fprintf(out, "Alias found: %s\n", c.Alias)
		if c.HasCertificate {
			fmt.Fprintf(out, "  Certificate Subject: %s\n", c.Subject)
		}
		if c.HasKey {
			fmt.Fprintf(out, "  Private Key Algorithm: %s\n", c.KeyAlgorithm)
		}
	}
	return nil
}

// InfoCmd prints the credential information
type InfoCmd struct {
	Alias string `kong:"arg" required:"" help:"credential alias"`
	PEM   bool   `name:"pem" help:"print the certificate in PEM format"`
	JWK   bool   `name:"jwk" help:"print the public key in JWK format"`
}

// Run the command
func (a *InfoCmd) Run(ctx *Cli) error {
	s, err := ctx.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.Describe(a.Alias)
	if err != nil {
		return err
	}

	out := ctx.Writer()
	printIfNotEmpty := func(label, val string) {
		if val != "" {
			fmt.Fprintf(out, "  %s:  %s\n", label, val)
		}
	}

	fmt.Fprintf(out, "Alias: %s\n", c.Alias)
	fmt.Fprintf(out, "  Certificate:  %t\n", c.HasCertificate)
	fmt.Fprintf(out, "  Private key:  %t\n", c.HasKey)
	if c.KeyProtected {
		fmt.Fprintln(out, "  Key protected:  true")
	}
	printIfNotEmpty("Subject", c.Subject)
	printIfNotEmpty("Issuer", c.Issuer)
	printIfNotEmpty("Serial", c.SerialNumber)
	if c.NotBefore != nil {
		printIfNotEmpty("Not before", c.NotBefore.Format(time.RFC3339))
	}
	if c.NotAfter != nil {
		printIfNotEmpty("Not after", c.NotAfter.Format(time.RFC3339))
	}
	printIfNotEmpty("Key algorithm", c.KeyAlgorithm)
	if c.KeySize > 0 {
		fmt.Fprintf(out, "  Key size:  %d\n", c.KeySize)
	}
	printIfNotEmpty("Key usage", strings.Join(c.KeyUsage, ", "))
	printIfNotEmpty("Ext key usage", strings.Join(c.ExtKeyUsage, ", "))

	if a.PEM {
		crt, err := s.GetCertificate(a.Alias)
		if err != nil {
			return err
		}
		pem, err := certutil.EncodeToPEMString(false, crt)
		if err != nil {
			return cryptoprov.Mark(err, cryptoprov.ErrIO, "unable to encode certificate")
		}
		fmt.Fprintln(out, pem)
	}
	if a.JWK {
		pub, err := s.GetPublicKey(a.Alias)
		if err != nil {
			return err
		}
		jwk, err := certutil.JWK(pub, a.Alias)
		if err != nil {
			return cryptoprov.Mark(err, cryptoprov.ErrKeyTypeMismatch, "unable to encode public key")
		}
		fmt.Fprintln(out, string(jwk))
	}
	return nil
}

// SlotsCmd prints the tokens
type SlotsCmd struct {
	Current bool `help:"print only the slot of the session"`
}

// Run the command
func (a *SlotsCmd) Run(ctx *Cli) error {
	s, err := ctx.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	tl, ok := s.TokenLister()
	if !ok {
		return cryptoprov.Errorf(cryptoprov.ErrConfiguration, "unsupported command for %s store", s.Manufacturer())
	}

	tokens, err := tl.EnumTokens(a.Current)
	if err != nil {
		return cryptoprov.Mark(err, cryptoprov.ErrStoreOperation, "failed to list tokens")
	}

	out := ctx.Writer()
	printIfNotEmpty := func(label, val string) {
		if val != "" {
			fmt.Fprintf(out, "  %s:  %s\n", label, val)
		}
	}

	for _, token := range tokens {
		current := ""
		if token.SlotID == tl.CurrentSlotID() {
			current = " (current)"
		}
		fmt.Fprintf(out, "Slot: %d%s\n", token.SlotID, current)
		printIfNotEmpty("Manufacturer", token.Manufacturer)
		printIfNotEmpty("Model", token.Model)
		printIfNotEmpty("Description", token.Description)
		printIfNotEmpty("Token serial", token.Serial)
		printIfNotEmpty("Token label", token.Label)
	}
	return nil
}
