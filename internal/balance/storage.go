package balance

import (
	"bytes"

	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/core/marshalutil"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/pkg/common"
)

// Mirror layout: one row per (identity, asset). Currency rows are keyed by
// identity alone, token rows by identity '/' contract id. Values are
// big-endian uint64 balances.

func currencyStoreKey(identityKey string) []byte {
	ms := marshalutil.New(1 + len(identityKey))
	ms.WriteByte(common.StorePrefixCurrencyBalances)
	ms.WriteBytes([]byte(identityKey))

	return ms.Bytes()
}

func tokenStoreKey(identityKey, contractID string) []byte {
	ms := marshalutil.New(2 + len(identityKey) + len(contractID))
	ms.WriteByte(common.StorePrefixTokenBalances)
	ms.WriteBytes([]byte(identityKey))
	ms.WriteByte('/')
	ms.WriteBytes([]byte(contractID))

	return ms.Bytes()
}

func encodeBalance(value uint64) []byte {
	ms := marshalutil.New(marshalutil.Uint64Size)
	ms.WriteUint64(value)

	return ms.Bytes()
}

func decodeBalance(value []byte) (uint64, error) {
	return marshalutil.New(value).ReadUint64()
}

func (l *Ledger) persistCurrency(identityKey string, newBalance uint64) error {
	if err := l.store.Set(currencyStoreKey(identityKey), encodeBalance(newBalance)); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "persist currency balance of %s: %v", identityKey, err)
	}

	return nil
}

func (l *Ledger) persistToken(identityKey, contractID string, newBalance uint64) error {
	if err := l.store.Set(tokenStoreKey(identityKey, contractID), encodeBalance(newBalance)); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "persist token balance of %s under %s: %v", identityKey, contractID, err)
	}

	return nil
}

func (l *Ledger) loadMirror() error {
	if err := l.store.Iterate([]byte{common.StorePrefixCurrencyBalances}, func(key kvstore.Key, value kvstore.Value) bool {
		identityKey := string(key[1:])
		balance, err := decodeBalance(value)
		if err != nil {
			l.LogWarnf("skipping corrupt currency balance row for %s: %v", identityKey, err)
			return true
		}
		l.currency[identityKey] = balance
		return true
	}); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "load currency balances: %v", err)
	}

	if err := l.store.Iterate([]byte{common.StorePrefixTokenBalances}, func(key kvstore.Key, value kvstore.Value) bool {
		parts := bytes.SplitN(key[1:], []byte{'/'}, 2)
		if len(parts) != 2 {
			l.LogWarnf("skipping malformed token balance key %x", key)
			return true
		}
		identityKey, contractID := string(parts[0]), string(parts[1])
		balance, err := decodeBalance(value)
		if err != nil {
			l.LogWarnf("skipping corrupt token balance row for %s: %v", identityKey, err)
			return true
		}
		if l.tokenBalances[identityKey] == nil {
			l.tokenBalances[identityKey] = make(map[string]uint64)
		}
		l.tokenBalances[identityKey][contractID] = balance
		return true
	}); err != nil {
		return errors.Wrapf(common.ErrStorageFailure, "load token balances: %v", err)
	}

	return l.loadAddresses()
}
