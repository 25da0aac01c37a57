// Package awskmsprov provides a key-only credential store over AWS KMS
// asymmetric signing keys. Aliases are KMS alias names without
// the "alias/" prefix.
package awskmsprov

import (
	"context"
	"crypto"
	"crypto/x509"
	"iter"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/metricskey"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11sign/cryptoprov", "awskmsprov")

// ProviderName specifies a provider name
const ProviderName = "AWSKMS"

const aliasPrefix = "alias/"

// KmsClient interface
type KmsClient interface {
	ListAliases(context.Context, *kms.ListAliasesInput, ...func(*kms.Options)) (*kms.ListAliasesOutput, error)
	DescribeKey(context.Context, *kms.DescribeKeyInput, ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetPublicKey(context.Context, *kms.GetPublicKeyInput, ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(context.Context, *kms.SignInput, ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KmsClientFactory override for unittest
var KmsClientFactory = func(cfg aws.Config, optFns ...func(*kms.Options)) KmsClient {
	return kms.NewFromConfig(cfg, optFns...)
}

// Provider implements cryptoprov.Store for KMS
type Provider struct {
	tc        cryptoprov.TokenConfig
	kmsClient KmsClient
	endpoint  string
	region    string
	closed    atomic.Bool
}

// Ensure compiles
var _ cryptoprov.Store = (*Provider)(nil)
var _ cryptoprov.TokenLister = (*Provider)(nil)

// KmsLoader provides loader for KMS provider
func KmsLoader(ctx context.Context, tc cryptoprov.TokenConfig, secret []byte) (cryptoprov.Store, error) {
	p, err := Init(ctx, tc, secret)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Init configures KMS client, and verifies the credentials.
//
// Attributes: Region, Endpoint and AccessKeyID.
// The secret is the secret access key for AccessKeyID,
// if not provided then the default credentials chain is used.
func Init(ctx context.Context, tc cryptoprov.TokenConfig, secret []byte) (*Provider, error) {
	kmsAttributes := cryptoprov.ParseAttributes(tc.Attributes())
	endpoint := kmsAttributes["Endpoint"]
	region := kmsAttributes["Region"]

	p := &Provider{
		endpoint: endpoint,
		region:   region,
		tc:       tc,
	}

	awsops := []func(*awsconfig.LoadOptions) error{
		// a failed call is never retried
		awsconfig.WithRetryer(func() aws.Retryer {
			return aws.NopRetryer{}
		}),
	}
	if region != "" {
		awsops = append(awsops, awsconfig.WithRegion(region))
	}

	if len(secret) > 0 {
		id := kmsAttributes["AccessKeyID"]
		if id == "" {
			id = os.Getenv("AWS_ACCESS_KEY_ID")
		}
		if id == "" {
			return nil, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "AccessKeyID attribute is required with the secret")
		}
		awsops = append(awsops, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, string(secret), os.Getenv("AWS_SESSION_TOKEN"))))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsops...)
	if err != nil {
		return nil, cryptoprov.Mark(err, cryptoprov.ErrConfiguration, "unable to load AWS config")
	}

	var kmsops []func(*kms.Options)
	if endpoint != "" {
		kmsops = append(kmsops, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	p.kmsClient = KmsClientFactory(cfg, kmsops...)

	// verify credentials
	_, err = p.kmsClient.ListAliases(ctx, &kms.ListAliasesInput{Limit: aws.Int32(1)})
	if err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreUnavailable, "unable to connect to KMS")
	}

	logger.KV(xlog.DEBUG, "endpoint", endpoint, "region", cfg.Region)
	return p, nil
}

// Manufacturer returns manufacturer for the provider
func (p *Provider) Manufacturer() string {
	return p.tc.Manufacturer()
}

// Model returns model for the provider
func (p *Provider) Model() string {
	return p.tc.Model()
}

// CurrentSlotID returns current slot id. For KMS only one slot is assumed to be available.
func (p *Provider) CurrentSlotID() uint {
	return 0
}

// EnumTokens lists tokens. For KMS currentSlotOnly is ignored and only one slot is assumed to be available.
func (p *Provider) EnumTokens(_ bool) ([]cryptoprov.TokenInfo, error) {
	return []cryptoprov.TokenInfo{
		{
			SlotID:       p.CurrentSlotID(),
			Description:  p.endpoint,
			Label:        p.region,
			Manufacturer: p.Manufacturer(),
			Model:        p.Model(),
		},
	}, nil
}

// Aliases returns customer managed aliases of the signing keys,
// the pages are requested while iterating
func (p *Provider) Aliases() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx := context.Background()
		pages := kms.NewListAliasesPaginator(p.kmsClient, &kms.ListAliasesInput{})
		for pages.HasMorePages() {
			if p.closed.Load() {
				yield("", cryptoprov.ErrSessionClosed)
				return
			}
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield("", mapError(err, cryptoprov.ErrStoreOperation, "failed to list aliases"))
				return
			}
			for _, a := range page.Aliases {
				name := strings.TrimPrefix(aws.ToString(a.AliasName), aliasPrefix)
				if a.TargetKeyId == nil || strings.HasPrefix(name, "aws/") {
					continue
				}
				ki, err := p.describe(ctx, name)
				if err != nil {
					yield("", err)
					return
				}
				if ki.KeyUsage != types.KeyUsageTypeSignVerify || ki.KeyState == types.KeyStatePendingDeletion {
					continue
				}
				if !yield(name, nil) {
					return
				}
			}
		}
	}
}

func (p *Provider) describe(ctx context.Context, alias string) (*types.KeyMetadata, error) {
	if p.closed.Load() {
		return nil, cryptoprov.ErrSessionClosed
	}
	keyID := aliasPrefix + alias
	resp, err := p.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreOperation, "failed to describe key, alias=%s", alias)
	}
	return resp.KeyMetadata, nil
}

// Entry returns key-only entry for the alias
func (p *Provider) Entry(alias string) (*cryptoprov.Entry, error) {
	_, pub, err := p.publicKey(alias)
	if err != nil {
		return nil, err
	}
	return &cryptoprov.Entry{
		Alias:     alias,
		HasKey:    true,
		PublicKey: pub,
	}, nil
}

func (p *Provider) publicKey(alias string) (*types.KeyMetadata, crypto.PublicKey, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "getkey")

	ctx := context.Background()
	ki, err := p.describe(ctx, alias)
	if err != nil {
		return nil, nil, err
	}
	if ki.KeyUsage != types.KeyUsageTypeSignVerify {
		return nil, nil, cryptoprov.Errorf(cryptoprov.ErrNotFound, "signing key not found, alias=%s", alias)
	}

	keyID := aws.ToString(ki.KeyId)
	resp, err := p.kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &keyID})
	if err != nil {
		return nil, nil, mapError(err, cryptoprov.ErrStoreOperation, "failed to get public key, id=%s", keyID)
	}

	pub, err := x509.ParsePKIXPublicKey(resp.PublicKey)
	if err != nil {
		return nil, nil, cryptoprov.Mark(err, cryptoprov.ErrStoreOperation, "failed to parse public key, id=%s", keyID)
	}
	return ki, pub, nil
}

// PrivateKey returns signer for the key. KMS keys have no per-entry secret.
func (p *Provider) PrivateKey(alias string, _ []byte) (crypto.Signer, error) {
	ki, pub, err := p.publicKey(alias)
	if err != nil {
		return nil, err
	}
	return NewSigner(p, aws.ToString(ki.KeyId), alias, ki.SigningAlgorithms, pub), nil
}

// Close releases the provider
func (p *Provider) Close() error {
	p.closed.Store(true)
	return nil
}

// mapError marks KMS API error with the category by the error code,
// or with the provided category
func mapError(err error, category error, format string, args ...any) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "UnrecognizedClientException", "InvalidSignatureException", "IncompleteSignature",
			"AccessDeniedException", "ExpiredTokenException", "InvalidClientTokenId":
			category = cryptoprov.ErrAuthentication
		case "NotFoundException":
			category = cryptoprov.ErrNotFound
		case "InvalidKeyUsageException", "UnsupportedOperationException":
			category = cryptoprov.ErrKeyTypeMismatch
		case "KMSInternalException", "DependencyTimeoutException", "ThrottlingException":
			category = cryptoprov.ErrStoreUnavailable
		case "DisabledException", "KMSInvalidStateException":
			category = cryptoprov.ErrStoreOperation
		}
	}
	return cryptoprov.Mark(err, category, format, args...)
}
