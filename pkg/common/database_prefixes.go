package common

import "github.com/pkg/errors"

const (
	StorePrefixIdentities       byte = 1
	StorePrefixChannelOwnership byte = 2
	StorePrefixPaymentOwnership byte = 3
	StorePrefixCurrencyBalances byte = 4
	StorePrefixTokenBalances    byte = 5
	StorePrefixAddresses        byte = 6
	StorePrefixTransferRecords  byte = 7
	StorePrefixHealth           byte = 255
)

// ErrStorageFailure wraps kvstore errors on the critical path so callers can
// distinguish a persistence fault from a domain error.
var ErrStorageFailure = errors.New("storage failure")
