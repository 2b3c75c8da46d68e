package router

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/identity"
	"github.com/dueldanov/virtualnode/internal/logging"
)

// ErrInvoiceExpired is returned when settlement for an unexpired invoice is
// attempted after its expiry has passed.
var ErrInvoiceExpired = errors.New("invoice expired")

// DefaultInvoiceExpiry matches the reference deployment.
const DefaultInvoiceExpiry = time.Hour

// VirtualInvoice is a payment request issued by a virtual identity. The
// preimage stays with the issuing node; only the hash travels.
type VirtualInvoice struct {
	PaymentHash  lntypes.Hash        `json:"payment_hash"`
	Payee        string              `json:"payee"`
	TenantID     string              `json:"tenant_id"`
	CurrencyMsat uint64              `json:"currency_msat,omitempty"`
	Token        *htlc.TokenTransfer `json:"token,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
}

// Expired reports whether the invoice's expiry has passed.
func (i *VirtualInvoice) Expired() bool {
	return time.Now().After(i.ExpiresAt)
}

// CreateInvoice issues an invoice for the given virtual identity. A fresh
// random preimage is generated and registered with the payment engine; the
// router keeps no copy. A zero currencyMsat leaves the amount open. A zero
// expiry falls back to DefaultInvoiceExpiry.
func (r *Router) CreateInvoice(ctx context.Context, to *identity.VirtualIdentity, currencyMsat uint64, token *htlc.TokenTransfer, expiry time.Duration) (*VirtualInvoice, error) {
	if expiry <= 0 {
		expiry = DefaultInvoiceExpiry
	}

	span := r.span(logging.OpCreateInvoice, to.TenantID, "")

	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		err = errors.Wrap(err, "generate invoice preimage")
		r.endSpan(span, err)
		return nil, err
	}
	hash := preimage.Hash()

	if err := r.engine.RegisterInvoice(ctx, hash, preimage, currencyMsat, expiry); err != nil {
		err = errors.Wrapf(err, "register invoice %s", hash)
		r.endSpan(span, err)
		return nil, err
	}

	now := time.Now()
	invoice := &VirtualInvoice{
		PaymentHash:  hash,
		Payee:        to.Key(),
		TenantID:     to.TenantID,
		CurrencyMsat: currencyMsat,
		Token:        token,
		CreatedAt:    now,
		ExpiresAt:    now.Add(expiry),
	}

	r.phase(span, "register", hash.String())
	r.endSpan(span, nil)

	return invoice, nil
}

// PayInvoice routes a payment from the given identity to the invoice's
// payee. The invoice's amount and token request bind the payment; a zero
// invoice amount requires the caller to supply overrideMsat.
func (r *Router) PayInvoice(ctx context.Context, from, to *identity.VirtualIdentity, invoice *VirtualInvoice, overrideMsat uint64) (*PaymentResult, error) {
	if invoice.Expired() {
		return nil, errors.Wrapf(ErrInvoiceExpired, "invoice %s", invoice.PaymentHash)
	}

	amount := invoice.CurrencyMsat
	if amount == 0 {
		amount = overrideMsat
	}

	return r.SendPayment(ctx, from, to, amount, invoice.Token, invoice.PaymentHash)
}
