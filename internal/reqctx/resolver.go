// Package reqctx resolves the tenant behind an incoming request and hands
// out a context whose views are bound to that tenant's virtual identity.
// Cross-tenant access is impossible through a TenantContext: every query it
// exposes is keyed by the resolved identity.
package reqctx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/internal/balance"
	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/identity"
	"github.com/dueldanov/virtualnode/internal/ownership"
)

// HeaderTenantID is the fallback header carrying the tenant id when the
// request body does not name one.
const HeaderTenantID = "X-User-Id"

// ErrMissingTenant means neither the body nor the headers identified a
// tenant. The request cannot be served. It unwraps to
// identity.ErrUnknownTenant so callers can classify it uniformly.
var ErrMissingTenant = errors.Wrap(identity.ErrUnknownTenant, "request carries no tenant id")

// Resolver turns raw request material into a TenantContext.
type Resolver struct {
	directory *identity.Directory
	registry  *ownership.Registry
	htlcs     *htlc.Ledger
	balances  *balance.Ledger
}

func NewResolver(directory *identity.Directory, registry *ownership.Registry, htlcs *htlc.Ledger, balances *balance.Ledger) *Resolver {
	return &Resolver{
		directory: directory,
		registry:  registry,
		htlcs:     htlcs,
		balances:  balances,
	}
}

// Resolve extracts the tenant id from the request material and binds a
// context to that tenant's identity. The JSON body field "user_id" wins;
// the X-User-Id header is the fallback. A request naming no tenant is
// rejected outright.
func (r *Resolver) Resolve(ctx context.Context, body []byte, header http.Header) (*TenantContext, error) {
	tenantID := tenantFromBody(body)
	if tenantID == "" {
		tenantID = header.Get(HeaderTenantID)
	}
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	ident, err := r.directory.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve tenant %s", tenantID)
	}

	return &TenantContext{
		TenantID: tenantID,
		Identity: ident,
		registry: r.registry,
		htlcs:    r.htlcs,
		balances: r.balances,
	}, nil
}

func tenantFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var envelope struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}

	return envelope.UserID
}

// TenantContext is a request-scoped view over the ledgers, bound to one
// resolved virtual identity.
type TenantContext struct {
	TenantID string
	Identity *identity.VirtualIdentity

	registry *ownership.Registry
	htlcs    *htlc.Ledger
	balances *balance.Ledger
}

// OwnedChannels lists the channel ids owned by the tenant's identity.
func (t *TenantContext) OwnedChannels() []string {
	return t.registry.ChannelsOwnedBy(t.Identity.Key())
}

// OwnedPayments lists the payment hashes the tenant's identity is a party to.
func (t *TenantContext) OwnedPayments() []string {
	return t.registry.PaymentsOwnedBy(t.Identity.Key())
}

// OwnsChannel reports whether the given channel belongs to the tenant.
func (t *TenantContext) OwnsChannel(channelID string) bool {
	owner, ok := t.registry.OwnerOfChannel(channelID)

	return ok && owner == t.Identity.Key()
}

// PendingHtlcs lists the tenant's in-flight HTLCs, either leg.
func (t *TenantContext) PendingHtlcs() []*htlc.VirtualHtlc {
	return t.htlcs.PendingFor(t.Identity.Key())
}

// Balances reports the tenant's currency balance in msat and token balance
// for the given contract.
func (t *TenantContext) Balances(contractID string) (currencyMsat, tokenAmount uint64) {
	key := t.Identity.Key()

	currencyMsat = t.balances.Balance(key)
	if contractID != "" {
		tokenAmount = t.balances.TokenBalance(key, contractID)
	}

	return currencyMsat, tokenAmount
}
