package cli

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11sign/testca"
	"github.com/effective-security/x/ctl"
	"github.com/stretchr/testify/suite"
)

const testPin = "2a8b1c"

type testSuite struct {
	suite.Suite

	ctl *Cli
	// Out is the outpub buffer
	Out bytes.Buffer

	dir       string
	docSigner *testca.Entity
}

func (s *testSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.docSigner = testca.NewEntity(testca.RSAKey(2048), testca.CommonName("doc-signer"))
	ec := testca.NewEntity(testca.CommonName("ec-signer"))
	root := testca.NewEntity(testca.Authority, testca.CommonName("[TEST] Root"))

	tc, err := testca.WriteSoftToken(s.dir, []byte(testPin),
		testca.TokenEntry{Alias: "doc-signer", Entity: s.docSigner, WithCert: true, WithKey: true},
		testca.TokenEntry{Alias: "root-ca", Entity: root, WithCert: true},
		testca.TokenEntry{Alias: "ec-key", Entity: ec, WithKey: true},
		testca.TokenEntry{Alias: "protected", Entity: s.docSigner, WithKey: true, KeySecret: []byte("entry-secret")},
	)
	s.Require().NoError(err)

	cfg := filepath.Join(s.dir, "token.yaml")
	pinFile := filepath.Join(s.dir, "pin.txt")
	s.Require().NoError(os.WriteFile(cfg, []byte("manufacturer: SoftToken\nmodel: test\npath: "+tc.Path()+"\npin: file:pin.txt\n"), 0600))
	s.Require().NoError(os.WriteFile(pinFile, []byte(testPin), 0600))

	s.Out.Reset()
	s.ctl = &Cli{}
	s.ctl.WithErrWriter(&s.Out).
		WithWriter(&s.Out)

	parser, err := kong.New(s.ctl,
		kong.Name("p11sign"),
		kong.Description("CLI tool to list credentials and sign documents with PKCS#11 token or KMS"),
		kong.Writers(&s.Out, &s.Out),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--cfg", cfg})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain the supplied
// text anywhere
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}
