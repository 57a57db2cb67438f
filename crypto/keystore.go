package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stellar/go/keypair"
)

// MemoryKeyStore keeps seeds in process memory. Used by tests and by
// deployments where keys are provisioned at startup.
type MemoryKeyStore struct {
	mu    sync.RWMutex
	seeds map[string]string
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{seeds: make(map[string]string)}
}

func (m *MemoryKeyStore) Put(address, seed string) error {
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return fmt.Errorf("crypto: invalid seed: %w", err)
	}
	if kp.Address() != address {
		return fmt.Errorf("crypto: seed does not control address %s", address)
	}
	m.mu.Lock()
	m.seeds[address] = seed
	m.mu.Unlock()
	return nil
}

func (m *MemoryKeyStore) Signer(address string) (Signer, error) {
	m.mu.RLock()
	seed, ok := m.seeds[address]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, address)
	}
	return SignerFromSeed(seed)
}

// FileKeyStore persists seeds as a JSON map on disk. Seeds are stored in
// plaintext; the file is written with 0600 permissions and replaced
// atomically. Hardened deployments should substitute an encrypted or
// hardware-backed KeyStore implementation.
type FileKeyStore struct {
	mu    sync.Mutex
	path  string
	seeds map[string]string
}

func NewFileKeyStore(path string) (*FileKeyStore, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	ks := &FileKeyStore{path: path, seeds: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ks, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ks.seeds); err != nil {
			return nil, fmt.Errorf("crypto: corrupt keystore file %s: %w", path, err)
		}
	}
	return ks, nil
}

func (f *FileKeyStore) Put(address, seed string) error {
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return fmt.Errorf("crypto: invalid seed: %w", err)
	}
	if kp.Address() != address {
		return fmt.Errorf("crypto: seed does not control address %s", address)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeds[address] = seed
	return f.flushLocked()
}

func (f *FileKeyStore) Signer(address string) (Signer, error) {
	f.mu.Lock()
	seed, ok := f.seeds[address]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, address)
	}
	return SignerFromSeed(seed)
}

func (f *FileKeyStore) flushLocked() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(f.seeds, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, f.path)
}
