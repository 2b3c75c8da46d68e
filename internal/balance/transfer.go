package balance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/core/marshalutil"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/internal/interfaces"
	"github.com/dueldanov/virtualnode/pkg/common"
)

// ErrNoCustodialAddress means a tenant has no registered on-chain address.
var ErrNoCustodialAddress = errors.New("tenant has no custodial address")

// scanRetryDelay is how long to wait after aborting a concurrent UTXO scan
// before retrying the balance query.
const scanRetryDelay = 100 * time.Millisecond

// TransferRecord is one ledger row of an on-chain transfer. Rows are
// best-effort bookkeeping: the broadcast transaction is the record of truth.
type TransferRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Txid      string    `json:"txid"`
	AmountSat int64     `json:"amount_sat"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterAddress adds a custodial on-chain address for a tenant.
func (l *Ledger) RegisterAddress(tenantID, address string) error {
	l.addrLock.Lock()
	l.addresses[tenantID] = append(l.addresses[tenantID], address)
	addresses := append([]string(nil), l.addresses[tenantID]...)
	l.addrLock.Unlock()

	value, err := json.Marshal(addresses)
	if err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "marshal addresses of tenant %s: %v", tenantID, err)
	}
	if err := l.store.Set(addressStoreKey(tenantID), value); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "persist addresses of tenant %s: %v", tenantID, err)
	}

	return nil
}

// Addresses lists a tenant's custodial addresses.
func (l *Ledger) Addresses(tenantID string) []string {
	l.addrLock.RLock()
	defer l.addrLock.RUnlock()

	return append([]string(nil), l.addresses[tenantID]...)
}

// AddressBalance sums the confirmed on-chain balance over the tenant's
// addresses. A per-address failure is logged and skipped so one bad address
// does not zero out the whole view; a scan collision is resolved by aborting
// the running scan and retrying once.
func (l *Ledger) AddressBalance(ctx context.Context, tenantID string) (uint64, error) {
	if l.wallet == nil {
		return 0, errors.New("chain wallet not configured")
	}

	var total uint64
	for _, address := range l.Addresses(tenantID) {
		sats, err := l.queryAddress(ctx, address)
		if err != nil {
			l.LogWarnf("balance query for address %s failed: %v", address, err)
			continue
		}
		total += sats
	}

	return total, nil
}

// ExecuteOnchainTransfer moves real funds between two tenants' custodial
// addresses. The sender's balance is re-validated against the chain, then
// the transaction is broadcast at the configured fee rate. Success means
// broadcast acceptance, not confirmation. Ledger rows after broadcast are
// best-effort: a recording failure is logged, never used to reverse an
// already-broadcast transaction; operators reconcile from the chain.
func (l *Ledger) ExecuteOnchainTransfer(ctx context.Context, fromTenant, toTenant string, amountSat uint64) (string, error) {
	if l.wallet == nil {
		return "", errors.New("chain wallet not configured")
	}

	senderAddresses := l.Addresses(fromTenant)
	if len(senderAddresses) == 0 {
		return "", errors.Wrapf(ErrNoCustodialAddress, "sender %s", fromTenant)
	}
	receiverAddresses := l.Addresses(toTenant)
	if len(receiverAddresses) == 0 {
		return "", errors.Wrapf(ErrNoCustodialAddress, "receiver %s", toTenant)
	}
	receiverAddress := receiverAddresses[0]

	available, err := l.AddressBalance(ctx, fromTenant)
	if err != nil {
		return "", err
	}
	if available < amountSat {
		return "", &InsufficientCurrencyError{Required: amountSat, Available: available}
	}

	txid, err := l.wallet.SendToAddress(ctx, receiverAddress, amountSat, l.feeRateSatVb)
	if err != nil {
		return "", errors.Wrapf(interfaces.ErrBroadcastFailure, "send %d sat to %s: %v", amountSat, receiverAddress, err)
	}

	l.LogInfof("on-chain transfer broadcast: %d sat %s -> %s (txid %s)", amountSat, fromTenant, toTenant, txid)

	// Past this point the broadcast is irreversible; record rows best-effort.
	l.recordTransfer(&TransferRecord{
		ID:        uuid.NewString(),
		TenantID:  fromTenant,
		Txid:      txid,
		AmountSat: -int64(amountSat),
		Status:    "completed",
		CreatedAt: time.Now(),
	})
	l.recordTransfer(&TransferRecord{
		ID:        uuid.NewString(),
		TenantID:  toTenant,
		Txid:      txid,
		AmountSat: int64(amountSat),
		Status:    "completed",
		CreatedAt: time.Now(),
	})

	l.Events.TransferBroadcast.Trigger(&TransferRecord{
		ID:        txid,
		TenantID:  fromTenant,
		Txid:      txid,
		AmountSat: int64(amountSat),
		Status:    "completed",
		CreatedAt: time.Now(),
	})

	return txid, nil
}

// TransfersFor lists the recorded on-chain transfer rows of a tenant.
func (l *Ledger) TransfersFor(tenantID string) ([]*TransferRecord, error) {
	var records []*TransferRecord
	prefix := transferStorePrefix(tenantID)
	if err := l.store.Iterate(prefix, func(_ kvstore.Key, value kvstore.Value) bool {
		var record TransferRecord
		if err := json.Unmarshal(value, &record); err != nil {
			l.LogWarnf("skipping corrupt transfer record for %s: %v", tenantID, err)
			return true
		}
		records = append(records, &record)
		return true
	}); err != nil {
		return nil, errors.Wrapf(common.ErrStorageFailure, "load transfer records of %s: %v", tenantID, err)
	}

	return records, nil
}

func (l *Ledger) queryAddress(ctx context.Context, address string) (uint64, error) {
	sats, err := l.wallet.AddressBalance(ctx, address)
	if !errors.Is(err, interfaces.ErrScanInProgress) {
		return sats, err
	}

	l.LogWarnf("utxo scan already in progress for %s, aborting and retrying", address)
	if err := l.wallet.AbortScan(ctx); err != nil {
		return 0, errors.Wrap(err, "abort running utxo scan")
	}

	select {
	case <-time.After(scanRetryDelay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	return l.wallet.AddressBalance(ctx, address)
}

// recordTransfer is the non-critical side channel: failures are logged and
// swallowed so an already-broadcast transaction is never "rolled back".
func (l *Ledger) recordTransfer(record *TransferRecord) {
	value, err := json.Marshal(record)
	if err != nil {
		l.LogWarnf("failed to marshal transfer record %s: %v", record.ID, err)
		return
	}
	if err := l.store.Set(transferStoreKey(record.TenantID, record.ID), value); err != nil {
		l.LogWarnf("failed to record transfer %s for %s (reconcile from txid %s): %v", record.ID, record.TenantID, record.Txid, err)
	}
}

func (l *Ledger) loadAddresses() error {
	if err := l.store.Iterate([]byte{common.StorePrefixAddresses}, func(key kvstore.Key, value kvstore.Value) bool {
		tenantID := string(key[1:])
		var addresses []string
		if err := json.Unmarshal(value, &addresses); err != nil {
			l.LogWarnf("skipping corrupt address row for %s: %v", tenantID, err)
			return true
		}
		l.addresses[tenantID] = addresses
		return true
	}); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "load addresses: %v", err)
	}

	return nil
}

func addressStoreKey(tenantID string) []byte {
	ms := marshalutil.New(1 + len(tenantID))
	ms.WriteByte(common.StorePrefixAddresses)
	ms.WriteBytes([]byte(tenantID))

	return ms.Bytes()
}

func transferStorePrefix(tenantID string) []byte {
	ms := marshalutil.New(2 + len(tenantID))
	ms.WriteByte(common.StorePrefixTransferRecords)
	ms.WriteBytes([]byte(tenantID))
	ms.WriteByte('/')

	return ms.Bytes()
}

func transferStoreKey(tenantID, recordID string) []byte {
	ms := marshalutil.New(2 + len(tenantID) + len(recordID))
	ms.WriteByte(common.StorePrefixTransferRecords)
	ms.WriteBytes([]byte(tenantID))
	ms.WriteByte('/')
	ms.WriteBytes([]byte(recordID))

	return ms.Bytes()
}
