package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec"
)

// LoadTowerKey reads the tower's secp256k1 secret key from a hex-encoded
// file.
func LoadTowerKey(path string) (*btcec.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("malformed key file %s: %w", path, err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("malformed key file %s: want %d bytes, got %d",
			path, btcec.PrivKeyBytesLen, len(raw))
	}

	sk, _ := btcec.PrivKeyFromBytes(btcec.S256(), raw)
	return sk, nil
}

// GenTowerKeyFile generates a fresh tower key and writes it hex encoded,
// readable by the owner only. It refuses to overwrite an existing key.
func GenTowerKeyFile(path string) (*btcec.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file %s already exists", path)
	}

	sk, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}

	encoded := hex.EncodeToString(sk.Serialize()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, err
	}
	return sk, nil
}
