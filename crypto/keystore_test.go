package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeyStore(t *testing.T) {
	ks := NewMemoryKeyStore()
	kp, err := NewKeypair()
	require.NoError(t, err)

	require.NoError(t, ks.Put(kp.Address(), kp.Seed()))

	signer, err := ks.Signer(kp.Address())
	require.NoError(t, err)
	require.Equal(t, kp.Address(), signer.Address())

	_, err = ks.Signer("GUNKNOWN")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryKeyStoreRejectsMismatchedSeed(t *testing.T) {
	ks := NewMemoryKeyStore()
	a, err := NewKeypair()
	require.NoError(t, err)
	b, err := NewKeypair()
	require.NoError(t, err)

	require.Error(t, ks.Put(a.Address(), b.Seed()))
	require.Error(t, ks.Put(a.Address(), "not-a-seed"))
}

func TestFileKeyStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "keystore.json")

	ks, err := NewFileKeyStore(path)
	require.NoError(t, err)
	kp, err := NewKeypair()
	require.NoError(t, err)
	require.NoError(t, ks.Put(kp.Address(), kp.Seed()))

	reopened, err := NewFileKeyStore(path)
	require.NoError(t, err)
	signer, err := reopened.Signer(kp.Address())
	require.NoError(t, err)
	require.Equal(t, kp.Address(), signer.Address())
}

func TestFileKeyStoreEmptyPath(t *testing.T) {
	_, err := NewFileKeyStore("")
	require.Error(t, err)
}

func TestSignerAttachesSignature(t *testing.T) {
	kp, err := NewKeypair()
	require.NoError(t, err)
	signer, err := SignerFromSeed(kp.Seed())
	require.NoError(t, err)

	account := txnbuild.NewSimpleAccount(kp.Address(), 1)
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewInfiniteTimeout()},
		Operations:           []txnbuild.Operation{&txnbuild.BumpSequence{BumpTo: 0}},
	})
	require.NoError(t, err)

	signed, err := signer.SignTransaction(tx, network.TestNetworkPassphrase)
	require.NoError(t, err)
	require.Len(t, signed.Signatures(), 1)

	_, err = signer.SignTransaction(nil, network.TestNetworkPassphrase)
	require.Error(t, err)
}

func TestValidateAddress(t *testing.T) {
	kp, err := NewKeypair()
	require.NoError(t, err)
	require.NoError(t, ValidateAddress(kp.Address()))
	require.Error(t, ValidateAddress(""))
	require.Error(t, ValidateAddress("not-an-address"))
	require.Error(t, ValidateAddress(kp.Seed()))
}
