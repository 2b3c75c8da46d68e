// Package keys derives per-tenant virtual node keys from the single master
// secret of the host node. Derivation is a pure computation: the same master
// secret and tenant id always produce the same keypair, and the private
// scalar is never stored anywhere.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidTenantID is a precondition violation, not a recoverable
	// runtime error: tenant ids are validated long before they reach here.
	ErrInvalidTenantID = errors.New("invalid tenant id")

	ErrKeyDerivation = errors.New("key derivation failed")
)

const (
	// Domain separation tags, shared with the reference deployment.
	identityDomainTag = "virtual_node_"
	channelDomainTag  = "channel_"

	// hkdfInfoPrefix namespaces the root key by derivation version so the
	// master secret can be rotated without colliding with older namespaces.
	hkdfInfoPrefix = "virtualnode-hkdf-"

	// DefaultVersion is the derivation namespace used when none is configured.
	DefaultVersion = "v1"

	rootKeySize       = 32
	maxScalarAttempts = 255
)

// Deriver produces per-tenant secp256k1 keys from a root key expanded out of
// the master secret. It is safe for concurrent use; it holds no mutable state.
type Deriver struct {
	rootKey [rootKeySize]byte
	version string
}

// NewDeriver expands the master secret into the versioned root key.
func NewDeriver(masterSecret []byte, version string) (*Deriver, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("%w: empty master secret", ErrKeyDerivation)
	}
	if version == "" {
		version = DefaultVersion
	}

	d := &Deriver{version: version}
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(hkdfInfoPrefix+version))
	if _, err := io.ReadFull(kdf, d.rootKey[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}

	return d, nil
}

// Version returns the derivation namespace version.
func (d *Deriver) Version() string {
	return d.version
}

// DeriveIdentity returns the virtual node id (public key) for a tenant.
func (d *Deriver) DeriveIdentity(tenantID string) (*btcec.PublicKey, error) {
	secret, err := d.DeriveIdentitySecret(tenantID)
	if err != nil {
		return nil, err
	}

	return secret.PubKey(), nil
}

// DeriveIdentitySecret returns the tenant's virtual node secret key. The
// caller must not persist it.
func (d *Deriver) DeriveIdentitySecret(tenantID string) (*btcec.PrivateKey, error) {
	if err := checkTenantID(tenantID); err != nil {
		return nil, err
	}

	return deriveScalar(d.rootKey[:], []byte(identityDomainTag), []byte(tenantID))
}

// DeriveChannelKey derives a channel-scoped secret key for the tenant's
// virtual node, bound to the channel value and the funding parameters.
func (d *Deriver) DeriveChannelKey(tenantID string, channelValueSat uint64, params [32]byte) (*btcec.PrivateKey, error) {
	identitySecret, err := d.DeriveIdentitySecret(tenantID)
	if err != nil {
		return nil, err
	}

	var value [8]byte
	binary.BigEndian.PutUint64(value[:], channelValueSat)

	return deriveScalar(identitySecret.Serialize(), []byte(channelDomainTag), value[:], params[:])
}

// deriveScalar hashes the concatenated parts and interprets the digest as a
// secp256k1 scalar. A digest that is zero or not below the curve order is
// rejected and re-derived with a counter byte appended to the input; with a
// 256-bit hash the first attempt succeeds for all practical purposes.
func deriveScalar(parts ...[]byte) (*btcec.PrivateKey, error) {
	for attempt := 0; attempt < maxScalarAttempts; attempt++ {
		h := sha256.New()
		for _, part := range parts {
			h.Write(part)
		}
		if attempt > 0 {
			h.Write([]byte{byte(attempt)})
		}
		digest := h.Sum(nil)

		var scalar btcec.ModNScalar
		overflow := scalar.SetByteSlice(digest)
		if overflow || scalar.IsZero() {
			continue
		}

		priv, _ := btcec.PrivKeyFromBytes(digest)

		return priv, nil
	}

	return nil, fmt.Errorf("%w: no valid scalar after %d attempts", ErrKeyDerivation, maxScalarAttempts)
}

func checkTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if !utf8.ValidString(tenantID) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidTenantID)
	}

	return nil
}
