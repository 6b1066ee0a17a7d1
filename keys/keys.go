package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownSigner = errors.New("address is not controlled by this key manager")

type KeyManager struct {
	signer  types.Signer
	manager *ecdsa.PrivateKey
	workers []*ecdsa.PrivateKey
	byAddr  map[common.Address]*ecdsa.PrivateKey
}

// LoadOrCreate reads the manager and worker keys from dir, generating and saving missing ones.
func LoadOrCreate(dir string, workers int, chainID *big.Int) (*KeyManager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("can't create keystore dir: %w", err)
	}
	manager, err := loadOrCreateKey(filepath.Join(dir, "manager.key"))
	if err != nil {
		return nil, err
	}
	workerKeys := make([]*ecdsa.PrivateKey, workers)
	for i := range workerKeys {
		workerKeys[i], err = loadOrCreateKey(filepath.Join(dir, fmt.Sprintf("worker-%d.key", i)))
		if err != nil {
			return nil, err
		}
	}
	return newKeyManager(manager, workerKeys, chainID), nil
}

// NewEphemeral generates keys that are never persisted.
func NewEphemeral(workers int, chainID *big.Int) (*KeyManager, error) {
	manager, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("can't generate manager key: %w", err)
	}
	workerKeys := make([]*ecdsa.PrivateKey, workers)
	for i := range workerKeys {
		if workerKeys[i], err = crypto.GenerateKey(); err != nil {
			return nil, fmt.Errorf("can't generate worker key: %w", err)
		}
	}
	return newKeyManager(manager, workerKeys, chainID), nil
}

func newKeyManager(manager *ecdsa.PrivateKey, workers []*ecdsa.PrivateKey, chainID *big.Int) *KeyManager {
	km := &KeyManager{
		signer:  types.LatestSignerForChainID(chainID),
		manager: manager,
		workers: workers,
		byAddr:  make(map[common.Address]*ecdsa.PrivateKey, len(workers)+1),
	}
	km.byAddr[crypto.PubkeyToAddress(manager.PublicKey)] = manager
	for _, w := range workers {
		km.byAddr[crypto.PubkeyToAddress(w.PublicKey)] = w
	}
	return km
}

func loadOrCreateKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("can't load key %s: %w", path, err)
	}
	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("can't generate key: %w", err)
	}
	if err = crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("can't save key %s: %w", path, err)
	}
	return key, nil
}

func (k *KeyManager) ManagerAddress() common.Address {
	return crypto.PubkeyToAddress(k.manager.PublicKey)
}

func (k *KeyManager) WorkerAddresses() []common.Address {
	addrs := make([]common.Address, len(k.workers))
	for i, w := range k.workers {
		addrs[i] = crypto.PubkeyToAddress(w.PublicKey)
	}
	return addrs
}

// Addresses lists the manager first, then the workers.
func (k *KeyManager) Addresses() []common.Address {
	return append([]common.Address{k.ManagerAddress()}, k.WorkerAddresses()...)
}

func (k *KeyManager) IsSigner(addr common.Address) bool {
	_, ok := k.byAddr[addr]
	return ok
}

func (k *KeyManager) SignTx(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
	key, ok := k.byAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, ErrUnknownSigner)
	}
	signed, err := types.SignTx(tx, k.signer, key)
	if err != nil {
		return nil, fmt.Errorf("can't sign transaction: %w", err)
	}
	return signed, nil
}
