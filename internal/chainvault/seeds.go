// Package chainvault builds signed on-chain transactions for the vault
// program. It knows the wire contract — PDA seeds, account layout,
// instruction shapes — but nothing about the ledger or the coordinator
// that drives it.
package chainvault

import (
	"crypto/sha256"
	"errors"

	"github.com/mr-tron/base58"
)

var errNoValidBump = errors.New("chainvault: no valid bump found for seeds")

// Seed prefixes fixed by the wire contract.
var (
	SeedVault = []byte("vault")
	SeedToken = []byte("token")
)

// maxBumpSearch bounds the off-curve search every real PDA derivation
// performs; 256 candidate bumps is the conventional ceiling.
const maxBumpSearch = 256

// DerivePDA derives a program-derived address from programID and seeds,
// searching bumps from 255 down for the first candidate whose digest is
// "off-curve" by our stand-in curve-membership check (last byte >= 0x10).
// The search order matches how real PDA derivation prefers the highest
// valid bump.
func DerivePDA(programID []byte, seeds ...[][]byte) ([]byte, uint8, error) {
	return derivePDA(programID, flatten(seeds))
}

func derivePDA(programID []byte, seeds [][]byte) ([]byte, uint8, error) {
	for bump := maxBumpSearch - 1; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(programID)
		h.Write([]byte("ProgramDerivedAddress"))
		digest := h.Sum(nil)
		if digest[len(digest)-1] >= 0x10 {
			return digest, uint8(bump), nil
		}
	}
	return nil, 0, errNoValidBump
}

func flatten(seeds [][][]byte) [][]byte {
	var out [][]byte
	for _, s := range seeds {
		out = append(out, s...)
	}
	return out
}

// VaultAddress derives the vault PDA for owner under programID, per the
// wire contract's `"vault" || owner` seed scheme.
func VaultAddress(programID []byte, owner string) (address []byte, bump uint8, err error) {
	return derivePDA(programID, [][]byte{SeedVault, []byte(owner)})
}

// TokenAccountAddress derives the token-holding PDA for a vault address,
// per the wire contract's `"token" || vault_address` seed scheme.
func TokenAccountAddress(programID []byte, vaultAddress []byte) (address []byte, bump uint8, err error) {
	return derivePDA(programID, [][]byte{SeedToken, vaultAddress})
}

// EncodeAddress renders a derived address the way the ecosystem
// conventionally renders account addresses.
func EncodeAddress(addr []byte) string {
	return base58.Encode(addr)
}

// DecodeAddress parses a base58-rendered address back to raw bytes.
func DecodeAddress(s string) ([]byte, error) {
	return base58.Decode(s)
}
