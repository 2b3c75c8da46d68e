// Package logging provides the phase-based activity log for virtual node
// operations. It is a non-critical side channel: a failing sink degrades to
// dropped entries, never to a failed payment.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Operation is the type of virtual node operation being logged.
type Operation string

const (
	OpCreateInvoice   Operation = "CREATE_INVOICE"
	OpSendPayment     Operation = "SEND_PAYMENT"
	OpSettleHtlc      Operation = "SETTLE_HTLC"
	OpFailHtlc        Operation = "FAIL_HTLC"
	OpOnchainTransfer Operation = "ONCHAIN_TRANSFER"
)

// Status values for log entries.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusStarted = "STARTED"
)

// Entry is a single activity log entry.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Operation   Operation `json:"operation"`
	Phase       string    `json:"phase"`
	Status      string    `json:"status"`
	TenantID    string    `json:"tenant_id,omitempty"`
	PaymentHash string    `json:"payment_hash,omitempty"`
	DurationNs  int64     `json:"duration_ns,omitempty"`
	Details     string    `json:"details,omitempty"`
}

// ActivityLog writes JSON entries to a sink, one per line. Safe for
// concurrent use. Write errors are counted and otherwise ignored.
type ActivityLog struct {
	mu      sync.Mutex
	output  io.Writer
	dropped int
}

// NewActivityLog creates an activity log writing to stdout.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{output: os.Stdout}
}

// SetOutput redirects the sink.
func (a *ActivityLog) SetOutput(w io.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.output = w
}

// Record writes one entry. Never returns an error.
func (a *ActivityLog) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.output.Write(line); err != nil {
		a.dropped++
	}
}

// Dropped reports how many entries failed to reach the sink.
func (a *ActivityLog) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.dropped
}

// OperationSpan tracks one operation through its phases.
type OperationSpan struct {
	log         *ActivityLog
	operation   Operation
	tenantID    string
	paymentHash string
	started     time.Time
}

// Begin starts a span and records the STARTED entry.
func (a *ActivityLog) Begin(op Operation, tenantID, paymentHash string) *OperationSpan {
	span := &OperationSpan{
		log:         a,
		operation:   op,
		tenantID:    tenantID,
		paymentHash: paymentHash,
		started:     time.Now(),
	}
	a.Record(Entry{
		Operation:   op,
		Phase:       "begin",
		Status:      StatusStarted,
		TenantID:    tenantID,
		PaymentHash: paymentHash,
	})

	return span
}

// Phase records an intermediate phase of the operation.
func (s *OperationSpan) Phase(phase, details string) {
	s.log.Record(Entry{
		Operation:   s.operation,
		Phase:       phase,
		Status:      StatusSuccess,
		TenantID:    s.tenantID,
		PaymentHash: s.paymentHash,
		Details:     details,
	})
}

// End records the terminal entry with the span duration.
func (s *OperationSpan) End(err error) {
	status := StatusSuccess
	details := ""
	if err != nil {
		status = StatusFailure
		details = err.Error()
	}
	s.log.Record(Entry{
		Operation:   s.operation,
		Phase:       "end",
		Status:      status,
		TenantID:    s.tenantID,
		PaymentHash: s.paymentHash,
		DurationNs:  time.Since(s.started).Nanoseconds(),
		Details:     details,
	})
}
