package escrow

import (
	"fmt"
	"strings"

	"github.com/stellar/go/amount"
)

// Status represents the lifecycle state of an escrow record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusReleased Status = "released"
	StatusLocked   Status = "locked"
)

// Valid reports whether the status value is one of the supported states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusReleased, StatusLocked:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusLocked
}

// ParseStatus normalises and validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("escrow: invalid status %q", raw)
	}
	return s, nil
}

// QuorumApprovals is the number of approvals required before funds may be
// released, and the number of signatures a disbursement envelope needs.
const QuorumApprovals = 2

// Escrow is the persistent record of a single time-boxed multisig escrow. The
// escrow account on the ledger carries signers {sender, receiver, mediator}
// with master weight 0 and all thresholds at QuorumApprovals; the record
// tracks the off-ledger approval and signature collection state. Records are
// never deleted; a terminal escrow remains as an audit entry.
type Escrow struct {
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	Receiver      string `json:"receiver"`
	Mediator      string `json:"mediator,omitempty"`
	EscrowAddress string `json:"escrowAddress"`
	// EscrowSeed is the escrow account's initial signing seed. It loses all
	// authority once the multisig policy lands (master weight 0); it is kept
	// only for audit. Custody hardening is a KeyStore concern.
	EscrowSeed string `json:"-"`
	// Amount in native asset units, 7-decimal fixed point, stored verbatim.
	Amount     string   `json:"amount"`
	Status     Status   `json:"status"`
	Approvals  int      `json:"approvals"`
	ApprovedBy []string `json:"approvedBy,omitempty"`
	// Deadline and CreatedAt are unix seconds.
	Deadline  int64 `json:"deadline"`
	CreatedAt int64 `json:"createdAt"`
	// ReleaseEnvelope holds the base64 XDR of the pending disbursement
	// transaction while signatures are being collected.
	ReleaseEnvelope string   `json:"-"`
	ReleaseSigners  []string `json:"releaseSigners,omitempty"`
	// Version is the optimistic-concurrency token; every successful store
	// update increments it.
	Version uint64 `json:"version"`
}

// Clone returns a deep copy so callers can mutate freely without touching the
// stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.ApprovedBy = append([]string(nil), e.ApprovedBy...)
	clone.ReleaseSigners = append([]string(nil), e.ReleaseSigners...)
	return &clone
}

// IsParty reports whether the identity is one of the escrow's signer set.
func (e *Escrow) IsParty(address string) bool {
	if address == "" {
		return false
	}
	return address == e.Sender || address == e.Receiver || (e.Mediator != "" && address == e.Mediator)
}

// IsApprover reports whether the identity may register an approval. Any
// member of the escrow account's signer set may approve; duplicate rejection
// guarantees the quorum is two distinct identities. Without a mediator the
// quorum is exactly sender plus receiver.
func (e *Escrow) IsApprover(address string) bool {
	return e.IsParty(address)
}

// HasApproved reports whether the identity already registered an approval.
func (e *Escrow) HasApproved(address string) bool {
	for _, a := range e.ApprovedBy {
		if a == address {
			return true
		}
	}
	return false
}

// HasSigned reports whether the identity already co-signed the disbursement.
func (e *Escrow) HasSigned(address string) bool {
	for _, a := range e.ReleaseSigners {
		if a == address {
			return true
		}
	}
	return false
}

// ValidateAmount checks that the string is a positive fixed-point amount the
// ledger can represent without precision loss.
func ValidateAmount(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("escrow: amount required")
	}
	stroops, err := amount.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("escrow: invalid amount %q: %w", raw, err)
	}
	if stroops <= 0 {
		return fmt.Errorf("escrow: amount must be positive")
	}
	return nil
}
