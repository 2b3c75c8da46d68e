package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	// ErrBackendUnavailable means the selected provider backend is not
	// implemented or not configured. It is deliberately distinct from
	// ErrProviderConnection: callers must be able to tell "this deployment
	// has no remote signer" apart from "the remote signer is down".
	ErrBackendUnavailable = errors.New("key provider backend not available")

	ErrProviderConnection = errors.New("key provider connection failed")
)

// Backend selects the key provider implementation at startup.
type Backend string

const (
	BackendLocal    Backend = "local"
	BackendRemote   Backend = "remote"
	BackendHardware Backend = "hardware"
)

// Provider is the single contract all key backends implement. Local
// derivation is a pure computation; remote and hardware backends go through
// I/O, hence the context.
type Provider interface {
	DeriveIdentity(ctx context.Context, tenantID string) (*btcec.PublicKey, error)
	DeriveChannelKey(ctx context.Context, tenantID string, channelValueSat uint64, params [32]byte) (*btcec.PrivateKey, error)
}

// ProviderConfig selects and parameterizes the backend.
type ProviderConfig struct {
	Backend        Backend
	MasterSecret   []byte
	Version        string
	RemoteEndpoint string
	DevicePath     string
}

// NewProvider constructs the configured backend.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		deriver, err := NewDeriver(cfg.MasterSecret, cfg.Version)
		if err != nil {
			return nil, err
		}
		return &LocalProvider{deriver: deriver}, nil
	case BackendRemote:
		return &RemoteProvider{endpoint: cfg.RemoteEndpoint}, nil
	case BackendHardware:
		return &HardwareProvider{devicePath: cfg.DevicePath}, nil
	default:
		return nil, fmt.Errorf("unknown key provider backend %q", cfg.Backend)
	}
}

// LocalProvider derives keys in process from the master secret.
type LocalProvider struct {
	deriver *Deriver
}

// NewLocalProvider wraps an existing deriver.
func NewLocalProvider(deriver *Deriver) *LocalProvider {
	return &LocalProvider{deriver: deriver}
}

func (p *LocalProvider) DeriveIdentity(_ context.Context, tenantID string) (*btcec.PublicKey, error) {
	return p.deriver.DeriveIdentity(tenantID)
}

func (p *LocalProvider) DeriveChannelKey(_ context.Context, tenantID string, channelValueSat uint64, params [32]byte) (*btcec.PrivateKey, error) {
	return p.deriver.DeriveChannelKey(tenantID, channelValueSat, params)
}

// RemoteProvider delegates derivation to a remote custody service. The
// integration is not implemented; it fails closed.
type RemoteProvider struct {
	endpoint string
}

func (p *RemoteProvider) DeriveIdentity(context.Context, string) (*btcec.PublicKey, error) {
	return nil, fmt.Errorf("remote signer %q: %w", p.endpoint, ErrBackendUnavailable)
}

func (p *RemoteProvider) DeriveChannelKey(context.Context, string, uint64, [32]byte) (*btcec.PrivateKey, error) {
	return nil, fmt.Errorf("remote signer %q: %w", p.endpoint, ErrBackendUnavailable)
}

// HardwareProvider delegates derivation to a hardware security module. The
// PKCS#11 integration is not implemented; it fails closed.
type HardwareProvider struct {
	devicePath string
}

func (p *HardwareProvider) DeriveIdentity(context.Context, string) (*btcec.PublicKey, error) {
	return nil, fmt.Errorf("hsm device %q: %w", p.devicePath, ErrBackendUnavailable)
}

func (p *HardwareProvider) DeriveChannelKey(context.Context, string, uint64, [32]byte) (*btcec.PrivateKey, error) {
	return nil, fmt.Errorf("hsm device %q: %w", p.devicePath, ErrBackendUnavailable)
}
