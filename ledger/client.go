// Package ledger wraps the Horizon API of a Stellar-compatible ledger. The
// gateway owns only network effects: account loading, fee discovery,
// transaction submission, bootstrap funding and balance lookups. Transaction
// construction stays with callers so they can be tested offline.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/txnbuild"
)

// ErrAccountNotFound is returned by LoadAccount for unknown addresses.
var ErrAccountNotFound = errors.New("ledger: account not found")

// ErrFundingFailed wraps bootstrap-funding failures.
var ErrFundingFailed = errors.New("ledger: account funding failed")

// SubmitResult reports a successfully applied transaction.
type SubmitResult struct {
	Hash   string
	Ledger int32
}

// SubmissionError classifies a failed submission. Retryable means the failure
// was network-class and the caller may rebuild and resubmit a fresh
// transaction; a ledger rejection is never retried automatically because the
// original transaction may still land inside its validity window.
type SubmissionError struct {
	Retryable   bool
	StatusCode  int
	ResultCodes []string
	Err         error
}

func (e *SubmissionError) Error() string {
	kind := "rejected"
	if e.Retryable {
		kind = "network failure"
	}
	if len(e.ResultCodes) > 0 {
		return fmt.Sprintf("ledger: submission %s (%s): %v", kind, strings.Join(e.ResultCodes, ","), e.Err)
	}
	return fmt.Sprintf("ledger: submission %s: %v", kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Gateway is a stateless wrapper around a Horizon client.
type Gateway struct {
	horizon horizonclient.ClientInterface
}

func NewGateway(client horizonclient.ClientInterface) *Gateway {
	return &Gateway{horizon: client}
}

// NewHorizonGateway builds a gateway for the given Horizon URL.
func NewHorizonGateway(horizonURL string) *Gateway {
	return &Gateway{horizon: &horizonclient.Client{HorizonURL: horizonURL}}
}

// NewTestnetGateway targets the public test network, including its friendbot.
func NewTestnetGateway() *Gateway {
	return &Gateway{horizon: horizonclient.DefaultTestNetClient}
}

// LoadAccount fetches the current sequence number for an address. The Horizon
// client carries its own request timeout; ctx is honoured for cancellation
// checks between calls.
func (g *Gateway) LoadAccount(ctx context.Context, address string) (*txnbuild.SimpleAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		if herr := horizonclient.GetError(err); herr != nil && herr.Problem.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("ledger: load account %s: %w", address, err)
	}
	return &txnbuild.SimpleAccount{AccountID: acct.AccountID, Sequence: acct.Sequence}, nil
}

// BaseFee reports the network base fee, falling back to the protocol minimum
// when fee stats are unavailable.
func (g *Gateway) BaseFee(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stats, err := g.horizon.FeeStats()
	if err != nil || stats.LastLedgerBaseFee <= 0 {
		return txnbuild.MinBaseFee, nil
	}
	return stats.LastLedgerBaseFee, nil
}

// SubmitTransaction submits a signed transaction exactly once. No automatic
// retry: a resubmitted envelope that already landed would duplicate its
// operations.
func (g *Gateway) SubmitTransaction(ctx context.Context, tx *txnbuild.Transaction) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errors.New("ledger: nil transaction")
	}
	resp, err := g.horizon.SubmitTransaction(tx)
	if err != nil {
		return nil, classifySubmission(err)
	}
	return &SubmitResult{Hash: resp.Hash, Ledger: resp.Ledger}, nil
}

// FundAccount issues a one-time friendbot credit to a new account. Test
// networks only; production deployments fund from an operational reserve.
func (g *Gateway) FundAccount(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.horizon.Fund(address); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFundingFailed, address, err)
	}
	return nil
}

// NativeBalance returns the native-asset balance for an address, or "0" on any
// lookup failure. Balance display is best-effort and never blocks callers.
func (g *Gateway) NativeBalance(ctx context.Context, address string) string {
	if err := ctx.Err(); err != nil {
		return "0"
	}
	acct, err := g.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		return "0"
	}
	balance, err := acct.GetNativeBalance()
	if err != nil || balance == "" {
		return "0"
	}
	return balance
}

func classifySubmission(err error) *SubmissionError {
	herr := horizonclient.GetError(err)
	if herr == nil {
		return &SubmissionError{Retryable: true, Err: err}
	}
	sub := &SubmissionError{
		Retryable:  false,
		StatusCode: herr.Problem.Status,
		Err:        err,
	}
	if codes, cerr := herr.ResultCodes(); cerr == nil && codes != nil {
		if codes.TransactionCode != "" {
			sub.ResultCodes = append(sub.ResultCodes, codes.TransactionCode)
		}
		sub.ResultCodes = append(sub.ResultCodes, codes.OperationCodes...)
	}
	// Horizon 5xx responses are server-side trouble, not deterministic
	// rejections. The transaction may or may not have been accepted; the
	// caller decides whether to rebuild.
	if sub.StatusCode >= http.StatusInternalServerError {
		sub.Retryable = true
	}
	return sub
}
