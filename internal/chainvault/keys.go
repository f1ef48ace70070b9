package chainvault

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/collateralvault/vaultd/internal/apperr"
)

// LoadKeypair reads a 64-byte ed25519 private key from a JSON byte-array
// keypair file, the on-disk format the wire contract's ecosystem tooling
// produces for fee payer and vault authority signers.
func LoadKeypair(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "read keypair file "+path, err)
	}

	var bytes []byte
	if err := json.Unmarshal(raw, &bytes); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decode keypair file "+path, err)
	}
	if len(bytes) != ed25519.PrivateKeySize {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("keypair file %s has %d bytes, want %d", path, len(bytes), ed25519.PrivateKeySize))
	}
	return ed25519.PrivateKey(bytes), nil
}
