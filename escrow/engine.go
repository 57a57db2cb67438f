// Package escrow implements the time-boxed 2-of-3 multisig escrow state
// machine: account provisioning, funding, approval counting, deadline-driven
// locking and two-phase disbursement.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stellar/go/txnbuild"

	"stellarpay/crypto"
	"stellarpay/ledger"
)

// txValiditySeconds bounds how long a signed provisioning or funding
// transaction stays valid on the ledger.
const txValiditySeconds = 30

// casRetries bounds how often a lost optimistic-concurrency race is retried
// before ErrVersionConflict surfaces to the caller.
const casRetries = 5

// LedgerGateway is the slice of the ledger client the engine needs. All
// methods perform network I/O; transaction construction stays in the engine.
type LedgerGateway interface {
	LoadAccount(ctx context.Context, address string) (*txnbuild.SimpleAccount, error)
	BaseFee(ctx context.Context) (int64, error)
	SubmitTransaction(ctx context.Context, tx *txnbuild.Transaction) (*ledger.SubmitResult, error)
	FundAccount(ctx context.Context, address string) error
}

// Engine orchestrates escrow provisioning and lifecycle transitions against a
// ledger gateway and a record store. Each escrow record is an independently
// lockable unit: all mutations go through the store's compare-and-swap, with
// deadline guards evaluated inside the same update they gate.
type Engine struct {
	gateway    LedgerGateway
	store      Store
	keys       crypto.KeyStore
	passphrase string
	emitter    Emitter
	nowFn      func() int64
}

func NewEngine(gateway LedgerGateway, store Store, keys crypto.KeyStore, networkPassphrase string) *Engine {
	return &Engine{
		gateway:    gateway,
		store:      store,
		keys:       keys,
		passphrase: networkPassphrase,
		emitter:    NoopEmitter{},
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source. Primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the transition event sink. Passing nil resets to a
// no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) emit(esc *Escrow, from, to Status) {
	e.emitter.Emit(Event{EscrowID: esc.ID, From: from, To: to, At: e.now()})
}

// CreateParams describes a new escrow agreement. Mediator is optional; when
// empty the escrow account carries two signers and both must approve.
type CreateParams struct {
	Sender   string
	Receiver string
	Mediator string
	Amount   string
	Duration time.Duration
}

// Create provisions a fresh escrow account with the 2-of-3 multisig policy,
// funds it from the sender and persists the pending record. The record is
// written only after the funding payment lands; a payment failure after
// provisioning surfaces as FundingIncompleteError carrying the orphaned
// account address.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	if err := validateCreate(&p); err != nil {
		return nil, err
	}
	senderSigner, err := e.keys.Signer(p.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: sender has no signing authority: %v", ErrUnauthorized, err)
	}

	escrowKP, err := crypto.NewKeypair()
	if err != nil {
		return nil, fmt.Errorf("escrow: generate escrow keypair: %w", err)
	}
	escrowAddr := escrowKP.Address()
	if err := e.keys.Put(escrowAddr, escrowKP.Seed()); err != nil {
		return nil, fmt.Errorf("escrow: store escrow key: %w", err)
	}
	if err := e.gateway.FundAccount(ctx, escrowAddr); err != nil {
		return nil, fmt.Errorf("escrow: bootstrap funding: %w", err)
	}
	escrowSigner, err := e.keys.Signer(escrowAddr)
	if err != nil {
		return nil, fmt.Errorf("escrow: load escrow signer: %w", err)
	}

	if err := e.provisionMultisig(ctx, escrowAddr, escrowSigner, p); err != nil {
		return nil, fmt.Errorf("escrow: provision multisig account: %w", err)
	}
	if err := e.payIntoEscrow(ctx, senderSigner, p, escrowAddr); err != nil {
		// The account exists and is correctly locked down but holds no
		// deposit and no record. Surface the address so the orphan can be
		// funded or abandoned later.
		return nil, &FundingIncompleteError{EscrowAddress: escrowAddr, Err: err}
	}

	now := e.now()
	esc := &Escrow{
		Sender:        p.Sender,
		Receiver:      p.Receiver,
		Mediator:      p.Mediator,
		EscrowAddress: escrowAddr,
		EscrowSeed:    escrowKP.Seed(),
		Amount:        strings.TrimSpace(p.Amount),
		Status:        StatusPending,
		Deadline:      now + int64(p.Duration/time.Second),
		CreatedAt:     now,
	}
	id, err := e.store.Insert(ctx, esc)
	if err != nil {
		return nil, fmt.Errorf("escrow: persist record: %w", err)
	}
	esc.ID = id
	e.emit(esc, "", StatusPending)
	return esc.Clone(), nil
}

// provisionMultisig submits one transaction, signed by the escrow account's
// initial key, that installs the signer set and raises all thresholds to the
// quorum. A single transaction is mandatory: sequential application would
// leave a window where a lone signer controls the account.
func (e *Engine) provisionMultisig(ctx context.Context, escrowAddr string, escrowSigner crypto.Signer, p CreateParams) error {
	account, err := e.gateway.LoadAccount(ctx, escrowAddr)
	if err != nil {
		return err
	}
	fee, err := e.gateway.BaseFee(ctx)
	if err != nil {
		return err
	}
	ops := []txnbuild.Operation{
		&txnbuild.SetOptions{
			MasterWeight:    txnbuild.NewThreshold(0),
			LowThreshold:    txnbuild.NewThreshold(QuorumApprovals),
			MediumThreshold: txnbuild.NewThreshold(QuorumApprovals),
			HighThreshold:   txnbuild.NewThreshold(QuorumApprovals),
			Signer:          &txnbuild.Signer{Address: p.Sender, Weight: 1},
		},
		&txnbuild.SetOptions{Signer: &txnbuild.Signer{Address: p.Receiver, Weight: 1}},
	}
	if p.Mediator != "" {
		ops = append(ops, &txnbuild.SetOptions{Signer: &txnbuild.Signer{Address: p.Mediator, Weight: 1}})
	}
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        account,
		IncrementSequenceNum: true,
		BaseFee:              fee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(txValiditySeconds)},
		Operations:           ops,
	})
	if err != nil {
		return err
	}
	tx, err = escrowSigner.SignTransaction(tx, e.passphrase)
	if err != nil {
		return err
	}
	_, err = e.gateway.SubmitTransaction(ctx, tx)
	return err
}

func (e *Engine) payIntoEscrow(ctx context.Context, senderSigner crypto.Signer, p CreateParams, escrowAddr string) error {
	account, err := e.gateway.LoadAccount(ctx, p.Sender)
	if err != nil {
		return err
	}
	fee, err := e.gateway.BaseFee(ctx)
	if err != nil {
		return err
	}
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        account,
		IncrementSequenceNum: true,
		BaseFee:              fee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(txValiditySeconds)},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: escrowAddr,
				Amount:      strings.TrimSpace(p.Amount),
				Asset:       txnbuild.NativeAsset{},
			},
		},
	})
	if err != nil {
		return err
	}
	tx, err = senderSigner.SignTransaction(tx, e.passphrase)
	if err != nil {
		return err
	}
	_, err = e.gateway.SubmitTransaction(ctx, tx)
	return err
}

// RegisterApproval records one approval from a member of the signer set. The
// deadline guard and the increment commit in the same compare-and-swap, so a
// concurrent approval or expiry check cannot double-count or slip past the
// deadline.
func (e *Engine) RegisterApproval(ctx context.Context, id, approver string) (*Escrow, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		esc, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if esc.Status == StatusPending && e.now() >= esc.Deadline {
			if err := e.transition(ctx, esc, StatusLocked); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return nil, ErrExpired
		}
		if esc.Status != StatusPending {
			return nil, ErrInvalidState
		}
		if !esc.IsApprover(approver) {
			return nil, ErrUnauthorized
		}
		if esc.HasApproved(approver) {
			return nil, ErrDuplicateApproval
		}
		from := esc.Status
		esc.ApprovedBy = append(esc.ApprovedBy, approver)
		esc.Approvals++
		if esc.Approvals >= QuorumApprovals {
			esc.Status = StatusApproved
		}
		if err := e.store.UpdateCAS(ctx, esc); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		if esc.Status != from {
			e.emit(esc, from, esc.Status)
		}
		return esc.Clone(), nil
	}
	return nil, ErrVersionConflict
}

// EvaluateExpiry locks a non-terminal escrow whose deadline has passed.
// Idempotent and safe to call concurrently with approvals and release; a
// terminal record is returned unchanged.
func (e *Engine) EvaluateExpiry(ctx context.Context, id string) (*Escrow, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		esc, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if esc.Status.Terminal() || e.now() < esc.Deadline {
			return esc, nil
		}
		if err := e.transition(ctx, esc, StatusLocked); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return esc.Clone(), nil
	}
	return nil, ErrVersionConflict
}

// SignRelease attaches one party's signature to the pending disbursement
// envelope. The envelope is built once, on the first signature, with a ledger
// validity window ending at the escrow deadline; at quorum it is submitted.
func (e *Engine) SignRelease(ctx context.Context, id, signerAddress string) (*Escrow, error) {
	signer, err := e.keys.Signer(signerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: no signing authority for %s: %v", ErrUnauthorized, signerAddress, err)
	}
	for attempt := 0; attempt < casRetries; attempt++ {
		esc, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !esc.Status.Terminal() && e.now() >= esc.Deadline {
			if err := e.transition(ctx, esc, StatusLocked); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return nil, ErrExpired
		}
		if esc.Status != StatusApproved {
			return nil, ErrInvalidState
		}
		if !esc.IsParty(signerAddress) {
			return nil, ErrUnauthorized
		}
		if esc.HasSigned(signerAddress) {
			return nil, ErrAlreadySigned
		}
		if esc.ReleaseEnvelope == "" {
			envelope, err := e.buildDisbursement(ctx, esc)
			if err != nil {
				return nil, err
			}
			esc.ReleaseEnvelope = envelope
		}
		tx, err := parseEnvelope(esc.ReleaseEnvelope)
		if err != nil {
			return nil, err
		}
		tx, err = signer.SignTransaction(tx, e.passphrase)
		if err != nil {
			return nil, fmt.Errorf("escrow: sign disbursement: %w", err)
		}
		envelope, err := tx.Base64()
		if err != nil {
			return nil, fmt.Errorf("escrow: encode disbursement: %w", err)
		}
		esc.ReleaseEnvelope = envelope
		esc.ReleaseSigners = append(esc.ReleaseSigners, signerAddress)
		if err := e.store.UpdateCAS(ctx, esc); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		if len(esc.ReleaseSigners) >= QuorumApprovals {
			return e.submitDisbursement(ctx, esc)
		}
		return esc.Clone(), nil
	}
	return nil, ErrVersionConflict
}

// Release submits an already-quorate disbursement envelope. It exists as the
// manual retry path after a network-class submission failure; SignRelease
// submits automatically when the final signature arrives.
func (e *Engine) Release(ctx context.Context, id string) (*Escrow, error) {
	esc, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !esc.Status.Terminal() && e.now() >= esc.Deadline {
		if err := e.transition(ctx, esc, StatusLocked); err != nil && !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return nil, ErrExpired
	}
	if esc.Status != StatusApproved {
		return nil, ErrInvalidState
	}
	if len(esc.ReleaseSigners) < QuorumApprovals {
		return nil, ErrSignaturesPending
	}
	return e.submitDisbursement(ctx, esc)
}

// GetEscrow loads a record by id.
func (e *Engine) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return e.store.Get(ctx, id)
}

// ListPendingFor returns pending escrows the participant is a party to.
func (e *Engine) ListPendingFor(ctx context.Context, participant string) ([]*Escrow, error) {
	return e.store.ListPending(ctx, participant)
}

func (e *Engine) buildDisbursement(ctx context.Context, esc *Escrow) (string, error) {
	account, err := e.gateway.LoadAccount(ctx, esc.EscrowAddress)
	if err != nil {
		return "", fmt.Errorf("escrow: load escrow account: %w", err)
	}
	fee, err := e.gateway.BaseFee(ctx)
	if err != nil {
		return "", err
	}
	// Valid until the escrow deadline: a stale envelope can never disburse
	// after the ledger-side window closes, even if the record check races.
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        account,
		IncrementSequenceNum: true,
		BaseFee:              fee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimebounds(0, esc.Deadline)},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: esc.Receiver,
				Amount:      esc.Amount,
				Asset:       txnbuild.NativeAsset{},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("escrow: build disbursement: %w", err)
	}
	return tx.Base64()
}

func (e *Engine) submitDisbursement(ctx context.Context, esc *Escrow) (*Escrow, error) {
	tx, err := parseEnvelope(esc.ReleaseEnvelope)
	if err != nil {
		return nil, err
	}
	if _, err := e.gateway.SubmitTransaction(ctx, tx); err != nil {
		var sub *ledger.SubmissionError
		retryable := errors.As(err, &sub) && sub.Retryable
		return nil, &DisbursementError{Retryable: retryable, Err: err}
	}
	return e.persistReleased(ctx, esc)
}

// persistReleased forces the record to released after the ledger accepted the
// disbursement. The ledger is the source of truth at this point; a concurrent
// lock transition that slipped in is overwritten.
func (e *Engine) persistReleased(ctx context.Context, esc *Escrow) (*Escrow, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		from := esc.Status
		esc.Status = StatusReleased
		if err := e.store.UpdateCAS(ctx, esc); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				reloaded, gerr := e.store.Get(ctx, esc.ID)
				if gerr != nil {
					return nil, gerr
				}
				if reloaded.Status == StatusReleased {
					return reloaded, nil
				}
				esc = reloaded
				continue
			}
			return nil, err
		}
		e.emit(esc, from, StatusReleased)
		return esc.Clone(), nil
	}
	return nil, ErrVersionConflict
}

func (e *Engine) transition(ctx context.Context, esc *Escrow, to Status) error {
	from := esc.Status
	esc.Status = to
	if err := e.store.UpdateCAS(ctx, esc); err != nil {
		esc.Status = from
		return err
	}
	e.emit(esc, from, to)
	return nil
}

func parseEnvelope(envelope string) (*txnbuild.Transaction, error) {
	generic, err := txnbuild.TransactionFromXDR(envelope)
	if err != nil {
		return nil, fmt.Errorf("escrow: decode disbursement envelope: %w", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, errors.New("escrow: disbursement envelope is not a simple transaction")
	}
	return tx, nil
}

func validateCreate(p *CreateParams) error {
	p.Sender = strings.TrimSpace(p.Sender)
	p.Receiver = strings.TrimSpace(p.Receiver)
	p.Mediator = strings.TrimSpace(p.Mediator)
	if err := crypto.ValidateAddress(p.Sender); err != nil {
		return err
	}
	if err := crypto.ValidateAddress(p.Receiver); err != nil {
		return err
	}
	if p.Receiver == p.Sender {
		return fmt.Errorf("escrow: sender and receiver must differ")
	}
	if p.Mediator != "" {
		if err := crypto.ValidateAddress(p.Mediator); err != nil {
			return err
		}
		if p.Mediator == p.Sender || p.Mediator == p.Receiver {
			return fmt.Errorf("escrow: mediator must be a distinct third party")
		}
	}
	if err := ValidateAmount(p.Amount); err != nil {
		return err
	}
	if p.Duration <= 0 {
		return fmt.Errorf("escrow: duration must be positive")
	}
	return nil
}
