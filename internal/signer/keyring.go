package signer

import (
	"sort"
	"strings"
	"sync"

	"github.com/cmatc13/chainapi/pkg/errors"
)

// Keyring holds the named signers callers may submit as.
type Keyring struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

// NewKeyring imports every name -> hex private key pair.
func NewKeyring(prefix uint16, keys map[string]string) (*Keyring, error) {
	kr := &Keyring{signers: make(map[string]Signer, len(keys))}
	for name, key := range keys {
		pair, err := KeyPairFromHex(key, prefix)
		if err != nil {
			return nil, errors.WrapWithField(
				errors.ChainWrapWithCode(err, errors.OpLookupSigner, errors.ChainErrSignFailed, "invalid signer key"),
				"signer", name)
		}
		kr.Add(name, pair)
	}
	return kr, nil
}

// Add registers s under name, replacing any previous signer of that name.
// Names are case-insensitive.
func (k *Keyring) Add(name string, s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[strings.ToLower(name)] = s
}

// Get returns the signer registered under name.
func (k *Keyring) Get(name string) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[strings.ToLower(name)]
	if !ok {
		return nil, errors.ChainErrorf(errors.ChainErrUnknownSigner, "no signer named %q", name)
	}
	return s, nil
}

// Names lists registered signer names in sorted order.
func (k *Keyring) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.signers))
	for name := range k.signers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
