package mock

import (
	"context"
	"fmt"
	"sync"
)

// TokenEngine is a controllable interfaces.TokenEngine.
type TokenEngine struct {
	mu       sync.Mutex
	balances map[string]map[string]uint64 // contract -> identity -> amount

	// QueryErr, when set, is returned by ContractBalance.
	QueryErr error
	// TransferErr, when set, is returned by ExecuteTransfer.
	TransferErr error
}

func NewTokenEngine() *TokenEngine {
	return &TokenEngine{balances: make(map[string]map[string]uint64)}
}

// SetBalance sets the engine-side balance of an identity under a contract.
func (e *TokenEngine) SetBalance(contractID, identity string, amount uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balances[contractID] == nil {
		e.balances[contractID] = make(map[string]uint64)
	}
	e.balances[contractID][identity] = amount
}

func (e *TokenEngine) ContractBalance(_ context.Context, contractID, identity string) (uint64, error) {
	if e.QueryErr != nil {
		return 0, e.QueryErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.balances[contractID][identity], nil
}

func (e *TokenEngine) ExecuteTransfer(_ context.Context, contractID, from, to string, amount uint64) error {
	if e.TransferErr != nil {
		return e.TransferErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	contract := e.balances[contractID]
	if contract == nil {
		contract = make(map[string]uint64)
		e.balances[contractID] = contract
	}
	if contract[from] < amount {
		return fmt.Errorf("token engine: %s holds %d of %s, need %d", from, contract[from], contractID, amount)
	}
	contract[from] -= amount
	contract[to] += amount

	return nil
}
