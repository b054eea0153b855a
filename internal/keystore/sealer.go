package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	awskms "github.com/hashicorp/go-kms-wrapping/wrappers/awskms/v2"
	azurekeyvault "github.com/hashicorp/go-kms-wrapping/wrappers/azurekeyvault/v2"
	gcpckms "github.com/hashicorp/go-kms-wrapping/wrappers/gcpckms/v2"
	transit "github.com/hashicorp/go-kms-wrapping/wrappers/transit/v2"
	"google.golang.org/protobuf/proto"
)

// Seal providers.
const (
	ProviderAEAD          = "aead"
	ProviderTransit       = "transit"
	ProviderAWSKMS        = "awskms"
	ProviderGCPCKMS       = "gcpckms"
	ProviderAzureKeyVault = "azurekeyvault"
)

// Sealer protects key material at rest. Sealed values are opaque strings
// safe to store in the keyring JSON.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) (string, error)
	Unseal(ctx context.Context, sealed string) ([]byte, error)
	KeyID() string
}

// SealConfig selects and configures the wrapper used to seal key material.
type SealConfig struct {
	Provider string

	// KeyID labels the local AEAD master key. Ignored by KMS providers,
	// which report their own key ID.
	KeyID string

	// MasterKey is the 32-byte AES-256-GCM key for the aead provider.
	MasterKey []byte

	// Options is passed to KMS wrappers through wrapping.WithConfigMap
	// (e.g. address/key_name for transit, kms_key_id/region for awskms).
	Options map[string]string
}

// wrapperSealer adapts a go-kms-wrapping Wrapper to Sealer.
type wrapperSealer struct {
	wrapper wrapping.Wrapper
	keyID   string
}

// NewSealer builds the wrapper named by cfg.Provider and configures it.
func NewSealer(ctx context.Context, cfg SealConfig) (Sealer, error) {
	var w wrapping.Wrapper

	switch cfg.Provider {
	case ProviderAEAD, "":
		if len(cfg.MasterKey) != 32 {
			return nil, fmt.Errorf("aead master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		aw := aead.NewWrapper()
		opts := []wrapping.Option{aead.WithKey(cfg.MasterKey)}
		if cfg.KeyID != "" {
			opts = append(opts, wrapping.WithKeyId(cfg.KeyID))
		}
		if _, err := aw.SetConfig(ctx, opts...); err != nil {
			return nil, fmt.Errorf("configuring aead wrapper: %w", err)
		}
		w = aw

	case ProviderTransit:
		w = transit.NewWrapper()
	case ProviderAWSKMS:
		w = awskms.NewWrapper()
	case ProviderGCPCKMS:
		w = gcpckms.NewWrapper()
	case ProviderAzureKeyVault:
		w = azurekeyvault.NewWrapper()

	default:
		return nil, fmt.Errorf("unsupported seal provider %q", cfg.Provider)
	}

	if cfg.Provider != ProviderAEAD && cfg.Provider != "" {
		if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(cfg.Options)); err != nil {
			return nil, fmt.Errorf("configuring %s wrapper: %w", cfg.Provider, err)
		}
	}

	keyID, err := w.KeyId(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading %s key id: %w", cfg.Provider, err)
	}

	slog.Info("key sealer initialized", "provider", providerName(cfg.Provider), "key_id", keyID)
	return &wrapperSealer{wrapper: w, keyID: keyID}, nil
}

// Seal encrypts plaintext with the wrapper and encodes the resulting
// BlobInfo as base64 protobuf.
func (s *wrapperSealer) Seal(ctx context.Context, plaintext []byte) (string, error) {
	blob, err := s.wrapper.Encrypt(ctx, plaintext)
	if err != nil {
		return "", fmt.Errorf("sealing: %w", err)
	}
	data, err := proto.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("encoding sealed blob: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Unseal reverses Seal.
func (s *wrapperSealer) Unseal(ctx context.Context, sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed blob: %w", err)
	}
	blob := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(data, blob); err != nil {
		return nil, fmt.Errorf("parsing sealed blob: %w", err)
	}
	plaintext, err := s.wrapper.Decrypt(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("unsealing: %w", err)
	}
	return plaintext, nil
}

func (s *wrapperSealer) KeyID() string { return s.keyID }

// HealthCheck seals and unseals a probe value.
func HealthCheck(ctx context.Context, s Sealer) error {
	probe := []byte("sealog-health")
	sealed, err := s.Seal(ctx, probe)
	if err != nil {
		return fmt.Errorf("seal health check: %w", err)
	}
	got, err := s.Unseal(ctx, sealed)
	if err != nil {
		return fmt.Errorf("seal health check: %w", err)
	}
	if string(got) != string(probe) {
		return fmt.Errorf("seal health check: round trip mismatch")
	}
	return nil
}

func providerName(p string) string {
	if p == "" {
		return ProviderAEAD
	}
	return p
}
