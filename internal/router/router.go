// Package router orchestrates virtual payments: it reserves balances,
// creates HTLC entries, awaits the underlying payment engine's settlement
// signal and applies the resulting deltas. It never synthesizes a preimage;
// settlement authority stays with the engine.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/pkg/errors"

	"github.com/dueldanov/virtualnode/internal/balance"
	"github.com/dueldanov/virtualnode/internal/htlc"
	"github.com/dueldanov/virtualnode/internal/identity"
	"github.com/dueldanov/virtualnode/internal/interfaces"
	"github.com/dueldanov/virtualnode/internal/logging"
)

var (
	// ErrPaymentFailed wraps a failure verdict from the payment engine.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrPaymentTimeout means the caller's context expired while awaiting
	// the engine's verdict; the HTLC was failed and the reservation freed.
	ErrPaymentTimeout = errors.New("payment timed out awaiting settlement")
)

// Config carries the router's tunables.
type Config struct {
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration

	// SweepDeadline is the maximum age of a Pending HTLC before the sweep
	// fails it.
	SweepDeadline time.Duration
}

// DefaultConfig matches the reference deployment.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		SweepDeadline: 10 * time.Minute,
	}
}

// PaymentResult is the outcome of a successfully settled payment.
type PaymentResult struct {
	PaymentHash lntypes.Hash
	Preimage    lntypes.Preimage
	Settlement  *htlc.VirtualSettlement
}

// Router drives the HTLC ledger and the balance ledger together.
type Router struct {
	*logger.WrappedLogger

	htlcs    *htlc.Ledger
	balances *balance.Ledger
	engine   interfaces.PaymentEngine
	activity *logging.ActivityLog

	cfg Config

	// reservations tracks the reservation of each in-flight payment so the
	// sweep can release it when it fails the HTLC. take-and-delete ensures
	// a reservation is released at most once.
	resMu        sync.Mutex
	reservations map[lntypes.Hash]*balance.Reservation

	sweepOnce sync.Once
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewRouter creates a router. The activity log may be nil.
func NewRouter(log *logger.Logger, htlcs *htlc.Ledger, balances *balance.Ledger, engine interfaces.PaymentEngine, activity *logging.ActivityLog, cfg Config) *Router {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.SweepDeadline <= 0 {
		cfg.SweepDeadline = DefaultConfig().SweepDeadline
	}

	return &Router{
		WrappedLogger: logger.NewWrappedLogger(log),
		htlcs:         htlcs,
		balances:      balances,
		engine:        engine,
		activity:      activity,
		cfg:           cfg,
		reservations:  make(map[lntypes.Hash]*balance.Reservation),
		shutdown:      make(chan struct{}),
	}
}

// SendPayment routes a payment between two virtual identities.
//
// The reservation is taken before the HTLC exists, so insufficiency can
// never leave a Pending entry or ownership rows behind. The call then blocks
// until the engine reports a verdict or ctx expires; on failure or timeout
// the HTLC is failed and the reservation released.
func (r *Router) SendPayment(ctx context.Context, from, to *identity.VirtualIdentity, currencyMsat uint64, token *htlc.TokenTransfer, hash lntypes.Hash) (*PaymentResult, error) {
	span := r.span(logging.OpSendPayment, from.TenantID, hash)

	res, err := r.balances.CheckAndReserve(ctx, from.Key(), currencyMsat, token)
	if err != nil {
		r.endSpan(span, err)
		return nil, err
	}
	r.phase(span, "reserve", "")

	if err := r.htlcs.Create(ctx, hash, from, to, currencyMsat, token); err != nil {
		if rerr := r.balances.Release(ctx, res); rerr != nil {
			r.LogErrorf("release reservation for %s after create failure: %v", hash, rerr)
		}
		r.endSpan(span, err)
		return nil, err
	}
	r.trackReservation(hash, res)
	r.phase(span, "create", "")

	if err := r.engine.Dispatch(ctx, hash, to.Key(), currencyMsat); err != nil {
		err = errors.Wrapf(ErrPaymentFailed, "dispatch %s: %v", hash, err)
		r.abandon(ctx, hash)
		r.endSpan(span, err)
		return nil, err
	}
	r.phase(span, "dispatch", "")

	select {
	case signal := <-r.engine.SettlementSignals(hash):
		if signal.Failure != nil || signal.Preimage == nil {
			err := errors.Wrapf(ErrPaymentFailed, "payment %s: %v", hash, signal.Failure)
			r.abandon(ctx, hash)
			r.endSpan(span, err)
			return nil, err
		}

		result, err := r.settle(ctx, hash, *signal.Preimage)
		r.endSpan(span, err)
		return result, err

	case <-ctx.Done():
		err := errors.Wrapf(ErrPaymentTimeout, "payment %s: %v", hash, ctx.Err())
		// The caller's context is gone; fail and release on our own.
		r.abandon(context.Background(), hash)
		r.endSpan(span, err)
		return nil, err
	}
}

// Settle applies an externally observed preimage to a Pending HTLC. The
// inbound payment handler drives this when the engine settles an invoice the
// router did not initiate itself.
func (r *Router) Settle(ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage) (*htlc.VirtualSettlement, error) {
	span := r.span(logging.OpSettleHtlc, "", hash)
	result, err := r.settle(ctx, hash, preimage)
	r.endSpan(span, err)
	if err != nil {
		return nil, err
	}

	return result.Settlement, nil
}

// Fail marks a Pending HTLC as failed and releases its reservation.
func (r *Router) Fail(ctx context.Context, hash lntypes.Hash) {
	span := r.span(logging.OpFailHtlc, "", hash)
	r.abandon(ctx, hash)
	r.endSpan(span, nil)
}

// Start launches the background sweep that fails HTLCs older than the
// configured deadline, so no entry stays Pending indefinitely.
func (r *Router) Start() {
	r.sweepOnce.Do(func() {
		r.wg.Add(1)
		go r.sweepLoop()
	})
}

// Stop terminates the background sweep.
func (r *Router) Stop() {
	close(r.shutdown)
	r.wg.Wait()
}

func (r *Router) settle(ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage) (*PaymentResult, error) {
	settlement, err := r.htlcs.Settle(ctx, hash, preimage)
	if err != nil {
		return nil, err
	}

	res := r.takeReservation(hash)
	if err := r.balances.ApplySettlement(ctx, settlement, res); err != nil {
		return nil, err
	}

	return &PaymentResult{PaymentHash: hash, Preimage: preimage, Settlement: settlement}, nil
}

// abandon fails the HTLC and, if this call performed the transition,
// releases the tracked reservation. If the sweep already failed the entry,
// the sweep released it.
func (r *Router) abandon(ctx context.Context, hash lntypes.Hash) {
	if !r.htlcs.Fail(ctx, hash) {
		return
	}
	if res := r.takeReservation(hash); res != nil {
		if err := r.balances.Release(ctx, res); err != nil {
			r.LogErrorf("release reservation for %s: %v", hash, err)
		}
	}
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.shutdown:
			return
		}
	}
}

func (r *Router) sweep() {
	expired := r.htlcs.FailExpired(r.cfg.SweepDeadline)
	for _, hash := range expired {
		if res := r.takeReservation(hash); res != nil {
			if err := r.balances.Release(context.Background(), res); err != nil {
				r.LogErrorf("release reservation for swept HTLC %s: %v", hash, err)
			}
		}
	}
	if len(expired) > 0 {
		r.LogWarnf("swept %d expired HTLCs", len(expired))
	}
}

func (r *Router) trackReservation(hash lntypes.Hash, res *balance.Reservation) {
	r.resMu.Lock()
	r.reservations[hash] = res
	r.resMu.Unlock()
}

func (r *Router) takeReservation(hash lntypes.Hash) *balance.Reservation {
	r.resMu.Lock()
	defer r.resMu.Unlock()

	res := r.reservations[hash]
	delete(r.reservations, hash)

	return res
}

func (r *Router) span(op logging.Operation, tenantID string, hash lntypes.Hash) *logging.OperationSpan {
	if r.activity == nil {
		return nil
	}

	return r.activity.Begin(op, tenantID, hash.String())
}

func (r *Router) phase(span *logging.OperationSpan, phase, details string) {
	if span != nil {
		span.Phase(phase, details)
	}
}

func (r *Router) endSpan(span *logging.OperationSpan, err error) {
	if span != nil {
		span.End(err)
	}
}
