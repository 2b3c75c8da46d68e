// Package ownership attributes shared channel and payment identifiers to the
// owning virtual identity, so per-tenant listings stay isolated even though
// every channel and payment lives on the one physical node.
package ownership

import (
	"encoding/json"
	"sync"

	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/core/marshalutil"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/pkg/common"
)

// Direction marks which side of a payment an ownership row records. A
// cross-tenant payment has two rows: outbound for the sender, inbound for
// the receiver.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChannelOwnership attributes one shared channel to one virtual identity.
type ChannelOwnership struct {
	ChannelID string `json:"channel_id"`
	OwnerID   string `json:"owner_id"`
	TenantID  string `json:"tenant_id"`
}

// PaymentOwnership attributes one side of a payment to a virtual identity.
type PaymentOwnership struct {
	PaymentHash string    `json:"payment_hash"`
	OwnerID     string    `json:"owner_id"`
	TenantID    string    `json:"tenant_id"`
	Direction   Direction `json:"direction"`
}

// Registry is the ownership table. In-memory maps are primary; every upsert
// is mirrored to the kvstore.
type Registry struct {
	*logger.WrappedLogger

	store kvstore.KVStore

	channelsLock sync.RWMutex
	channels     map[string]*ChannelOwnership // channel_id -> row

	paymentsLock sync.RWMutex
	payments     map[string]map[string]*PaymentOwnership // payment_hash -> owner_id -> row
}

// NewRegistry creates the registry and loads any mirrored rows from the store.
func NewRegistry(log *logger.Logger, store kvstore.KVStore) (*Registry, error) {
	r := &Registry{
		WrappedLogger: logger.NewWrappedLogger(log),
		store:         store,
		channels:      make(map[string]*ChannelOwnership),
		payments:      make(map[string]map[string]*PaymentOwnership),
	}
	if err := r.loadMirror(); err != nil {
		return nil, err
	}

	return r, nil
}

// RegisterChannel upserts the owner of a channel. Re-registering an existing
// channel id updates the owner rather than erroring.
func (r *Registry) RegisterChannel(channelID, ownerID, tenantID string) error {
	row := &ChannelOwnership{ChannelID: channelID, OwnerID: ownerID, TenantID: tenantID}

	r.channelsLock.Lock()
	r.channels[channelID] = row
	r.channelsLock.Unlock()

	if err := r.persistChannel(row); err != nil {
		return err
	}

	return nil
}

// RegisterPayment upserts one side of a payment. The same payment hash may
// carry an outbound row for the sender and an inbound row for the receiver.
func (r *Registry) RegisterPayment(paymentHash, ownerID, tenantID string, direction Direction) error {
	row := &PaymentOwnership{PaymentHash: paymentHash, OwnerID: ownerID, TenantID: tenantID, Direction: direction}

	r.paymentsLock.Lock()
	owners, ok := r.payments[paymentHash]
	if !ok {
		owners = make(map[string]*PaymentOwnership)
		r.payments[paymentHash] = owners
	}
	owners[ownerID] = row
	r.paymentsLock.Unlock()

	if err := r.persistPayment(row); err != nil {
		return err
	}

	return nil
}

// UnregisterPayment removes every row for the payment hash. Used to roll
// back registration when HTLC creation fails after the fact.
func (r *Registry) UnregisterPayment(paymentHash string) error {
	r.paymentsLock.Lock()
	owners := r.payments[paymentHash]
	delete(r.payments, paymentHash)
	r.paymentsLock.Unlock()

	for ownerID := range owners {
		if err := r.store.Delete(paymentStoreKey(paymentHash, ownerID)); err != nil {
			return errors.Wrapf(common.ErrStorageFailure, "unregister payment %s: %v", paymentHash, err)
		}
	}

	return nil
}

// ChannelsOwnedBy lists the channel ids owned by the identity.
func (r *Registry) ChannelsOwnedBy(ownerID string) []string {
	r.channelsLock.RLock()
	defer r.channelsLock.RUnlock()

	var owned []string
	for channelID, row := range r.channels {
		if row.OwnerID == ownerID {
			owned = append(owned, channelID)
		}
	}

	return owned
}

// PaymentsOwnedBy lists the payment hashes with a row for the identity.
func (r *Registry) PaymentsOwnedBy(ownerID string) []string {
	var hashes []string
	for _, row := range r.PaymentsFor(ownerID) {
		hashes = append(hashes, row.PaymentHash)
	}

	return hashes
}

// PaymentsFor lists the identity's payment rows, direction included.
func (r *Registry) PaymentsFor(ownerID string) []*PaymentOwnership {
	r.paymentsLock.RLock()
	defer r.paymentsLock.RUnlock()

	var rows []*PaymentOwnership
	for _, owners := range r.payments {
		if row, ok := owners[ownerID]; ok {
			rows = append(rows, row)
		}
	}

	return rows
}

// OwnerOfChannel returns the owning identity of a channel, if registered.
func (r *Registry) OwnerOfChannel(channelID string) (string, bool) {
	r.channelsLock.RLock()
	defer r.channelsLock.RUnlock()

	row, ok := r.channels[channelID]
	if !ok {
		return "", false
	}

	return row.OwnerID, true
}

func (r *Registry) persistChannel(row *ChannelOwnership) error {
	value, err := json.Marshal(row)
	if err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "marshal channel row %s: %v", row.ChannelID, err)
	}
	if err := r.store.Set(channelStoreKey(row.ChannelID), value); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "persist channel row %s: %v", row.ChannelID, err)
	}

	return nil
}

func (r *Registry) persistPayment(row *PaymentOwnership) error {
	value, err := json.Marshal(row)
	if err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "marshal payment row %s: %v", row.PaymentHash, err)
	}
	if err := r.store.Set(paymentStoreKey(row.PaymentHash, row.OwnerID), value); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "persist payment row %s: %v", row.PaymentHash, err)
	}

	return nil
}

func (r *Registry) loadMirror() error {
	if err := r.store.Iterate([]byte{common.StorePrefixChannelOwnership}, func(_ kvstore.Key, value kvstore.Value) bool {
		var row ChannelOwnership
		if err := json.Unmarshal(value, &row); err != nil {
			r.LogWarnf("skipping corrupt channel ownership row: %v", err)
			return true
		}
		r.channels[row.ChannelID] = &row
		return true
	}); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "load channel ownership: %v", err)
	}

	if err := r.store.Iterate([]byte{common.StorePrefixPaymentOwnership}, func(_ kvstore.Key, value kvstore.Value) bool {
		var row PaymentOwnership
		if err := json.Unmarshal(value, &row); err != nil {
			r.LogWarnf("skipping corrupt payment ownership row: %v", err)
			return true
		}
		owners, ok := r.payments[row.PaymentHash]
		if !ok {
			owners = make(map[string]*PaymentOwnership)
			r.payments[row.PaymentHash] = owners
		}
		owners[row.OwnerID] = &row
		return true
	}); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "load payment ownership: %v", err)
	}

	return nil
}

func channelStoreKey(channelID string) []byte {
	ms := marshalutil.New(1 + len(channelID))
	ms.WriteByte(common.StorePrefixChannelOwnership)
	ms.WriteBytes([]byte(channelID))

	return ms.Bytes()
}

func paymentStoreKey(paymentHash, ownerID string) []byte {
	ms := marshalutil.New(2 + len(paymentHash) + len(ownerID))
	ms.WriteByte(common.StorePrefixPaymentOwnership)
	ms.WriteBytes([]byte(paymentHash))
	ms.WriteByte('/')
	ms.WriteBytes([]byte(ownerID))

	return ms.Bytes()
}
