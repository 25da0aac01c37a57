// Package gcpkmsprov provides a key-only credential store over asymmetric
// signing keys of one Google Cloud KMS key ring.
// Aliases are the crypto key IDs.
package gcpkmsprov

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"hash/crc32"
	"iter"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/metricskey"
	"github.com/effective-security/xlog"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/oauth2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11sign/cryptoprov", "gcpkmsprov")

// ProviderName specifies a provider name
const ProviderName = "GCPKMS"

// KmsClient interface
type KmsClient interface {
	ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) iter.Seq2[*kmspb.CryptoKey, error]
	ListCryptoKeyVersions(ctx context.Context, req *kmspb.ListCryptoKeyVersionsRequest) iter.Seq2[*kmspb.CryptoKeyVersion, error]
	GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error)
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	Close() error
}

// KmsClientFactory override for unittest
var KmsClientFactory = func(ctx context.Context, opts ...option.ClientOption) (KmsClient, error) {
	c, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &kmsClient{KeyManagementClient: c}, nil
}

// a failed call is never retried
var noRetry = gax.WithRetry(func() gax.Retryer { return nil })

type kmsClient struct {
	*kms.KeyManagementClient
}

func (c *kmsClient) ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) iter.Seq2[*kmspb.CryptoKey, error] {
	return all(c.KeyManagementClient.ListCryptoKeys(ctx, req, noRetry).Next)
}

func (c *kmsClient) ListCryptoKeyVersions(ctx context.Context, req *kmspb.ListCryptoKeyVersionsRequest) iter.Seq2[*kmspb.CryptoKeyVersion, error] {
	return all(c.KeyManagementClient.ListCryptoKeyVersions(ctx, req, noRetry).Next)
}

func all[T any](next func() (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Provider implements cryptoprov.Store for Cloud KMS
type Provider struct {
	tc        cryptoprov.TokenConfig
	kmsClient KmsClient
	keyRing   string
	endpoint  string
	closed    atomic.Bool
}

// Ensure compiles
var _ cryptoprov.Store = (*Provider)(nil)
var _ cryptoprov.TokenLister = (*Provider)(nil)

// KmsLoader provides loader for Cloud KMS provider
func KmsLoader(ctx context.Context, tc cryptoprov.TokenConfig, secret []byte) (cryptoprov.Store, error) {
	p, err := Init(ctx, tc, secret)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Init configures Cloud KMS client, and verifies the credentials.
//
// Attributes: KeyRing (projects/<p>/locations/<l>/keyRings/<r>) and Endpoint.
// The secret is an OAuth2 access token,
// if not provided then the application default credentials are used.
func Init(ctx context.Context, tc cryptoprov.TokenConfig, secret []byte) (*Provider, error) {
	attrs := cryptoprov.ParseAttributes(tc.Attributes())
	keyRing := attrs["KeyRing"]
	if keyRing == "" {
		keyRing = tc.TokenLabel()
	}
	if !strings.HasPrefix(keyRing, "projects/") || !strings.Contains(keyRing, "/keyRings/") {
		return nil, cryptoprov.Errorf(cryptoprov.ErrConfiguration, "invalid KeyRing attribute: %q", keyRing)
	}

	p := &Provider{
		tc:       tc,
		keyRing:  keyRing,
		endpoint: attrs["Endpoint"],
	}

	var opts []option.ClientOption
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	if len(secret) > 0 {
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: string(secret),
			TokenType:   "Bearer",
		})))
	}

	client, err := KmsClientFactory(ctx, opts...)
	if err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreUnavailable, "unable to create KMS client")
	}
	p.kmsClient = client

	// verify credentials
	for _, err := range client.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{Parent: keyRing, PageSize: 1}) {
		if err != nil {
			_ = client.Close()
			return nil, mapError(err, cryptoprov.ErrStoreUnavailable, "unable to connect to KMS")
		}
		break
	}

	logger.KV(xlog.DEBUG, "endpoint", p.endpoint, "keyring", keyRing)
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

// EnumTokens lists tokens. For KMS only the configured key ring is returned.
func (p *Provider) EnumTokens(_ bool) ([]cryptoprov.TokenInfo, error) {
	return []cryptoprov.TokenInfo{
		{
			SlotID:       p.CurrentSlotID(),
			Description:  p.endpoint,
			Label:        p.keyRing,
			Manufacturer: p.Manufacturer(),
			Model:        p.Model(),
		},
	}, nil
}

// Aliases returns IDs of the asymmetric signing keys in the key ring
func (p *Provider) Aliases() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if p.closed.Load() {
			yield("", cryptoprov.ErrSessionClosed)
			return
		}
		req := &kmspb.ListCryptoKeysRequest{Parent: p.keyRing}
		for key, err := range p.kmsClient.ListCryptoKeys(context.Background(), req) {
			if err != nil {
				yield("", mapError(err, cryptoprov.ErrStoreOperation, "failed to list keys"))
				return
			}
			if key.Purpose != kmspb.CryptoKey_ASYMMETRIC_SIGN {
				continue
			}
			if !yield(path.Base(key.Name), nil) {
				return
			}
		}
	}
}

func (p *Provider) keyName(alias string) string {
	return p.keyRing + "/cryptoKeys/" + alias
}

// version returns the latest enabled version of the signing key
func (p *Provider) version(ctx context.Context, alias string) (*kmspb.CryptoKeyVersion, error) {
	if p.closed.Load() {
		return nil, cryptoprov.ErrSessionClosed
	}
	if alias == "" || strings.Contains(alias, "/") {
		return nil, cryptoprov.Errorf(cryptoprov.ErrNotFound, "invalid alias: %q", alias)
	}

	name := p.keyName(alias)
	key, err := p.kmsClient.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: name}, noRetry)
	if err != nil {
		return nil, mapError(err, cryptoprov.ErrStoreOperation, "failed to get key, alias=%s", alias)
	}
	if key.Purpose != kmspb.CryptoKey_ASYMMETRIC_SIGN {
		return nil, cryptoprov.Errorf(cryptoprov.ErrNotFound, "signing key not found, alias=%s", alias)
	}

	var latest *kmspb.CryptoKeyVersion
	latestID := -1
	req := &kmspb.ListCryptoKeyVersionsRequest{Parent: name, Filter: "state=ENABLED"}
	for v, err := range p.kmsClient.ListCryptoKeyVersions(ctx, req) {
		if err != nil {
			return nil, mapError(err, cryptoprov.ErrStoreOperation, "failed to list key versions, alias=%s", alias)
		}
		if v.State != kmspb.CryptoKeyVersion_ENABLED {
			continue
		}
		id, err := strconv.Atoi(path.Base(v.Name))
		if err == nil && id > latestID {
			latest, latestID = v, id
		}
	}
	if latest == nil {
		return nil, cryptoprov.Errorf(cryptoprov.ErrNotFound, "no enabled key versions, alias=%s", alias)
	}
	return latest, nil
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

func (p *Provider) publicKey(alias string) (*kmspb.CryptoKeyVersion, crypto.PublicKey, error) {
	defer metricskey.PerfCryptoOperation.MeasureSince(time.Now(), ProviderName, "getkey")

	ctx := context.Background()
	ver, err := p.version(ctx, alias)
	if err != nil {
		return nil, nil, err
	}

	resp, err := p.kmsClient.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: ver.Name}, noRetry)
	if err != nil {
		return nil, nil, mapError(err, cryptoprov.ErrStoreOperation, "failed to get public key, id=%s", ver.Name)
	}
	if resp.PemCrc32C != nil && resp.PemCrc32C.Value != crc32c([]byte(resp.Pem)) {
		return nil, nil, cryptoprov.Errorf(cryptoprov.ErrStoreOperation, "public key checksum mismatch, id=%s", ver.Name)
	}

	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		return nil, nil, cryptoprov.Errorf(cryptoprov.ErrStoreOperation, "failed to decode public key, id=%s", ver.Name)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, cryptoprov.Mark(err, cryptoprov.ErrStoreOperation, "failed to parse public key, id=%s", ver.Name)
	}
	return ver, pub, nil
}

// PrivateKey returns signer for the key. KMS keys have no per-entry secret.
func (p *Provider) PrivateKey(alias string, _ []byte) (crypto.Signer, error) {
	ver, pub, err := p.publicKey(alias)
	if err != nil {
		return nil, err
	}
	return NewSigner(p, ver.Name, alias, ver.Algorithm, pub), nil
}

// Close releases the provider
func (p *Provider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.kmsClient.Close(); err != nil {
		return cryptoprov.Mark(err, cryptoprov.ErrStoreOperation, "unable to close KMS client")
	}
	return nil
}

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)))
}

// mapError marks KMS API error with the category by the status code,
// or with the provided category
func mapError(err error, category error, format string, args ...any) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		category = cryptoprov.ErrAuthentication
	case codes.NotFound:
		category = cryptoprov.ErrNotFound
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		category = cryptoprov.ErrStoreUnavailable
	case codes.FailedPrecondition:
		category = cryptoprov.ErrStoreOperation
	}
	return cryptoprov.Mark(err, category, format, args...)
}
