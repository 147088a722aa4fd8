package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// KeyLoadError wraps any failure to load persisted key material. It is only
// expected at startup; a node cannot run without an identity.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e KeyLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("KeyLoadError: %v", e.Err)
	}
	return fmt.Sprintf("KeyLoadError: %s: %v", e.Path, e.Err)
}

func (e KeyLoadError) Unwrap() error {
	return e.Err
}

// SaveKeys persists the private key as a hex string, readable only by the owner.
func SaveKeys(path string, keys *Keys) error {
	data := hex.EncodeToString(keys.Private) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// LoadKeys reads a keypair persisted by SaveKeys. Corrupt or absent material
// fails with a KeyLoadError.
func LoadKeys(path string) (*Keys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, KeyLoadError{Path: path, Err: err}
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, KeyLoadError{Path: path, Err: err}
	}
	keys, err := NewKeys(raw)
	if err != nil {
		return nil, KeyLoadError{Path: path, Err: err}
	}
	return keys, nil
}

// LoadOrGenerateKeys loads the persisted keypair, creating and saving a fresh
// one if the file does not exist yet.
func LoadOrGenerateKeys(path string) (*Keys, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		keys, err := GenerateKeys()
		if err != nil {
			return nil, err
		}
		if err := SaveKeys(path, keys); err != nil {
			return nil, err
		}
		return keys, nil
	}
	return LoadKeys(path)
}
