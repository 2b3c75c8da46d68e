// Package identity resolves tenant ids to their virtual node identities and
// keeps the mapping stable across restarts. Only the public key is ever
// persisted; the private scalar is re-derived on demand.
package identity

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"
	"github.com/iotaledger/hive.go/core/marshalutil"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/internal/keys"
	"github.com/dueldanov/virtualnode/pkg/common"
)

// ErrUnknownTenant means no identity could be resolved for the tenant id.
var ErrUnknownTenant = errors.New("unknown tenant")

// VirtualIdentity is a tenant's virtual node identity.
type VirtualIdentity struct {
	TenantID  string
	PublicKey *btcec.PublicKey
}

// Key returns the canonical string form of the identity, the hex-encoded
// compressed public key. Registries and ledgers key their tables by it.
func (v *VirtualIdentity) Key() string {
	return IdentityKey(v.PublicKey)
}

// IdentityKey returns the canonical string form of a virtual node public key.
func IdentityKey(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

// Directory maps tenant ids to virtual identities. The in-memory cache is
// primary during a live process; the kvstore mirror is the record of truth
// after a restart, and guards against an unnoticed master-secret change.
type Directory struct {
	*logger.WrappedLogger

	provider keys.Provider
	store    kvstore.KVStore

	cacheLock sync.RWMutex
	cache     map[string]*VirtualIdentity

	Events *Events
}

type Events struct {
	IdentityCreated *event.Event1[*VirtualIdentity]
}

// NewDirectory creates a directory backed by the given provider and store.
func NewDirectory(log *logger.Logger, provider keys.Provider, store kvstore.KVStore) *Directory {
	return &Directory{
		WrappedLogger: logger.NewWrappedLogger(log),
		provider:      provider,
		store:         store,
		cache:         make(map[string]*VirtualIdentity),
		Events: &Events{
			IdentityCreated: event.New1[*VirtualIdentity](),
		},
	}
}

// GetOrCreate returns the tenant's identity, deriving and persisting it on
// first use. The persist is an idempotent upsert.
func (d *Directory) GetOrCreate(ctx context.Context, tenantID string) (*VirtualIdentity, error) {
	if cached := d.cached(tenantID); cached != nil {
		return cached, nil
	}

	if stored, err := d.load(tenantID); err != nil {
		return nil, err
	} else if stored != nil {
		d.remember(stored)
		return stored, nil
	}

	pub, err := d.provider.DeriveIdentity(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrapf(err, "derive identity for tenant %s", tenantID)
	}

	ident := &VirtualIdentity{TenantID: tenantID, PublicKey: pub}
	if err := d.persist(ident); err != nil {
		return nil, err
	}
	d.remember(ident)

	d.LogDebugf("created virtual identity %s for tenant %s", ident.Key(), tenantID)
	d.Events.IdentityCreated.Trigger(ident)

	return ident, nil
}

// Resolve returns the tenant's public key, preferring the stored mapping and
// falling back to re-derivation if no mapping exists.
func (d *Directory) Resolve(ctx context.Context, tenantID string) (*btcec.PublicKey, error) {
	if cached := d.cached(tenantID); cached != nil {
		return cached.PublicKey, nil
	}

	if stored, err := d.load(tenantID); err != nil {
		return nil, err
	} else if stored != nil {
		d.remember(stored)
		return stored.PublicKey, nil
	}

	pub, err := d.provider.DeriveIdentity(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownTenant, "tenant %s: %v", tenantID, err)
	}

	return pub, nil
}

func (d *Directory) cached(tenantID string) *VirtualIdentity {
	d.cacheLock.RLock()
	defer d.cacheLock.RUnlock()

	return d.cache[tenantID]
}

func (d *Directory) remember(ident *VirtualIdentity) {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()

	d.cache[ident.TenantID] = ident
}

func (d *Directory) load(tenantID string) (*VirtualIdentity, error) {
	value, err := d.store.Get(identityKey(tenantID))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(common.ErrStorageFailure, "load identity for tenant %s: %v", tenantID, err)
	}

	pub, err := btcec.ParsePubKey(value)
	if err != nil {
		return nil, errors.Wrapf(common.ErrStorageFailure, "corrupt identity record for tenant %s: %v", tenantID, err)
	}

	return &VirtualIdentity{TenantID: tenantID, PublicKey: pub}, nil
}

func (d *Directory) persist(ident *VirtualIdentity) error {
	if err := d.store.Set(identityKey(ident.TenantID), ident.PublicKey.SerializeCompressed()); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "persist identity for tenant %s: %v", ident.TenantID, err)
	}

	return nil
}

func identityKey(tenantID string) []byte {
	ms := marshalutil.New(1 + len(tenantID))
	ms.WriteByte(common.StorePrefixIdentities)
	ms.WriteBytes([]byte(tenantID))

	return ms.Bytes()
}
