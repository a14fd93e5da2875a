package service

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/coldchain/coldchain-ledger/internal/crypto"
	"github.com/coldchain/coldchain-ledger/internal/ledger"
	"gopkg.in/yaml.v3"
)

// AccountIdentity binds a ledger account to the key that signs its requests.
type AccountIdentity struct {
	Account   ledger.Account
	Label     string
	KeyID     string
	PublicKey ed25519.PublicKey
}

type AccountRegistry struct {
	byAccount map[ledger.Account]AccountIdentity
}

type accountsFile struct {
	Accounts []accountEntry `yaml:"accounts"`
}

type accountEntry struct {
	Account       string `yaml:"account"`
	Label         string `yaml:"label"`
	PublicKey     string `yaml:"public_key"`
	PublicKeyPath string `yaml:"public_key_path"`
}

func LoadAccountRegistry(path string) (*AccountRegistry, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read account registry: %w", err)
	}
	var file accountsFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("parse account registry yaml: %w", err)
	}
	if len(file.Accounts) == 0 {
		return nil, errors.New("account registry is empty")
	}
	registry := &AccountRegistry{byAccount: make(map[ledger.Account]AccountIdentity, len(file.Accounts))}
	for i, entry := range file.Accounts {
		account := ledger.Account(strings.TrimSpace(entry.Account))
		if account.IsZero() {
			return nil, fmt.Errorf("accounts[%d] account is required", i)
		}
		pubRaw := strings.TrimSpace(entry.PublicKey)
		if entry.PublicKeyPath != "" {
			keyBuf, err := os.ReadFile(entry.PublicKeyPath)
			if err != nil {
				return nil, fmt.Errorf("accounts[%d] read public_key_path: %w", i, err)
			}
			pubRaw = string(keyBuf)
		}
		if pubRaw == "" {
			return nil, fmt.Errorf("accounts[%d] public_key or public_key_path is required", i)
		}
		pub, err := crypto.ParsePublicKey(pubRaw)
		if err != nil {
			return nil, fmt.Errorf("accounts[%d] parse public key: %w", i, err)
		}
		if _, exists := registry.byAccount[account]; exists {
			return nil, fmt.Errorf("duplicate account in registry: %s", account)
		}
		registry.byAccount[account] = AccountIdentity{
			Account:   account,
			Label:     entry.Label,
			KeyID:     crypto.KeyID(pub),
			PublicKey: pub,
		}
	}
	return registry, nil
}

func (r *AccountRegistry) Lookup(account ledger.Account) (AccountIdentity, bool) {
	if r == nil {
		return AccountIdentity{}, false
	}
	identity, ok := r.byAccount[account]
	return identity, ok
}

func (r *AccountRegistry) Accounts() []ledger.Account {
	if r == nil {
		return nil
	}
	out := make([]ledger.Account, 0, len(r.byAccount))
	for a := range r.byAccount {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
