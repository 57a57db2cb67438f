package crypto

import (
	"errors"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

// ErrKeyNotFound is returned when no signing material is stored for an address.
var ErrKeyNotFound = errors.New("crypto: no key for address")

// Signer is the capability handed to the escrow engine. The engine never sees
// raw seeds; it only asks a signer to attach a signature to a transaction.
type Signer interface {
	Address() string
	SignTransaction(tx *txnbuild.Transaction, networkPassphrase string) (*txnbuild.Transaction, error)
}

// KeyStore maps ledger addresses to signing capabilities. Implementations may
// hold seeds in memory, on disk, or behind a hardware boundary; the engine is
// indifferent.
type KeyStore interface {
	Put(address, seed string) error
	Signer(address string) (Signer, error)
}

// NewKeypair generates a fresh ed25519 ledger keypair.
func NewKeypair() (*keypair.Full, error) {
	return keypair.Random()
}

// ValidateAddress checks that the supplied string is a well-formed ed25519
// public key address.
func ValidateAddress(address string) error {
	if _, err := keypair.ParseAddress(address); err != nil {
		return fmt.Errorf("crypto: invalid ledger address %q: %w", address, err)
	}
	return nil
}

type fullKeySigner struct {
	kp *keypair.Full
}

func (s fullKeySigner) Address() string { return s.kp.Address() }

func (s fullKeySigner) SignTransaction(tx *txnbuild.Transaction, networkPassphrase string) (*txnbuild.Transaction, error) {
	if tx == nil {
		return nil, errors.New("crypto: nil transaction")
	}
	return tx.Sign(networkPassphrase, s.kp)
}

// SignerFromSeed builds a signer directly from a secret seed. Useful for tests
// and one-shot signing of freshly generated keys.
func SignerFromSeed(seed string) (Signer, error) {
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid seed: %w", err)
	}
	return fullKeySigner{kp: kp}, nil
}
