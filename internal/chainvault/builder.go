package chainvault

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"

	"github.com/collateralvault/vaultd/internal/apperr"
)

// InstructionKind identifies one of the six program instructions.
type InstructionKind byte

const (
	InstructionInitialize InstructionKind = iota
	InstructionDeposit
	InstructionWithdraw
	InstructionLock
	InstructionUnlock
	InstructionTransfer
)

// SignedTx is a built, signed transaction ready for submission, plus the
// metadata the coordinator needs to reconcile it against the ledger.
type SignedTx struct {
	Payload               []byte
	Signature             []byte
	VaultAddress          string
	TokenAccount          string
	Bump                  uint8
	EstimatedComputeUnits uint32
}

// SignatureString renders Signature the way a submitted transaction's
// signature is addressed throughout the rest of the system.
func (t *SignedTx) SignatureString() string {
	return EncodeAddress(t.Signature)
}

// Config configures the Builder.
type Config struct {
	ProgramID           string
	MaxConcurrentBuilds int
}

// Builder constructs signed transactions for each vault instruction. A
// bounded gate limits in-flight builds to respect RPC-provider limits.
type Builder struct {
	programID []byte
	gate      chan struct{}
}

func New(cfg Config) (*Builder, error) {
	programID, err := DecodeAddress(cfg.ProgramID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid program id", err)
	}
	n := cfg.MaxConcurrentBuilds
	if n <= 0 {
		n = 5
	}
	return &Builder{programID: programID, gate: make(chan struct{}, n)}, nil
}

func (b *Builder) acquire(ctx context.Context) error {
	select {
	case b.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Builder) release() { <-b.gate }

// instructionPayload serializes one instruction's on-wire body: kind byte,
// vault address, amount (signed, little-endian). This is a minimal stand-in
// for the real transaction format, sufficient for signing and for the
// submitter/monitor to treat as an opaque, hashable payload.
func instructionPayload(kind InstructionKind, vaultAddr []byte, amount int64) []byte {
	buf := make([]byte, 1+len(vaultAddr)+8)
	buf[0] = byte(kind)
	copy(buf[1:1+len(vaultAddr)], vaultAddr)
	binary.LittleEndian.PutUint64(buf[1+len(vaultAddr):], uint64(amount))
	return buf
}

func sign(signer ed25519.PrivateKey, payload []byte) []byte {
	digest := sha256.Sum256(payload)
	return ed25519.Sign(signer, digest[:])
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.KindValidation, "amount must be > 0")
	}
	return nil
}

// BuildInitialize constructs the initialize(bump) instruction for a new
// vault owned by owner, signed by payer.
func (b *Builder) BuildInitialize(ctx context.Context, owner, authority string, payer ed25519.PrivateKey) (*SignedTx, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	vaultAddr, bump, err := VaultAddress(b.programID, owner)
	if err != nil {
		return nil, err
	}
	tokenAddr, _, err := TokenAccountAddress(b.programID, vaultAddr)
	if err != nil {
		return nil, err
	}

	payload := instructionPayload(InstructionInitialize, vaultAddr, 0)
	return &SignedTx{
		Payload:               payload,
		Signature:             sign(payer, payload),
		VaultAddress:          EncodeAddress(vaultAddr),
		TokenAccount:          EncodeAddress(tokenAddr),
		Bump:                  bump,
		EstimatedComputeUnits: 25_000,
	}, nil
}

func (b *Builder) buildAmountInstruction(ctx context.Context, kind InstructionKind, vaultAddress string, amount int64, signer ed25519.PrivateKey, computeUnits uint32) (*SignedTx, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	vaultAddr, err := DecodeAddress(vaultAddress)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid vault address", err)
	}
	payload := instructionPayload(kind, vaultAddr, amount)
	return &SignedTx{
		Payload:               payload,
		Signature:             sign(signer, payload),
		VaultAddress:          vaultAddress,
		EstimatedComputeUnits: computeUnits,
	}, nil
}

// BuildDeposit constructs the deposit(amount) instruction, signed by
// payer; deposits require no privileged authority.
func (b *Builder) BuildDeposit(ctx context.Context, vaultAddress string, amount int64, payer ed25519.PrivateKey) (*SignedTx, error) {
	return b.buildAmountInstruction(ctx, InstructionDeposit, vaultAddress, amount, payer, 15_000)
}

// BuildWithdraw constructs the withdraw(amount) instruction, signed by
// authority.
func (b *Builder) BuildWithdraw(ctx context.Context, vaultAddress string, amount int64, authority ed25519.PrivateKey) (*SignedTx, error) {
	return b.buildAmountInstruction(ctx, InstructionWithdraw, vaultAddress, amount, authority, 15_000)
}

// BuildLock constructs the lock(amount) instruction, signed by authority.
func (b *Builder) BuildLock(ctx context.Context, vaultAddress string, amount int64, authority ed25519.PrivateKey) (*SignedTx, error) {
	return b.buildAmountInstruction(ctx, InstructionLock, vaultAddress, amount, authority, 12_000)
}

// BuildUnlock constructs the unlock(amount) instruction, signed by
// authority.
func (b *Builder) BuildUnlock(ctx context.Context, vaultAddress string, amount int64, authority ed25519.PrivateKey) (*SignedTx, error) {
	return b.buildAmountInstruction(ctx, InstructionUnlock, vaultAddress, amount, authority, 12_000)
}

// BuildTransfer constructs the transfer(amount) instruction moving locked
// balance from sourceVaultAddress to destVaultAddress, signed by the
// source vault's authority.
func (b *Builder) BuildTransfer(ctx context.Context, sourceVaultAddress, destVaultAddress string, amount int64, authority ed25519.PrivateKey) (*SignedTx, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	srcAddr, err := DecodeAddress(sourceVaultAddress)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid source vault address", err)
	}
	dstAddr, err := DecodeAddress(destVaultAddress)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid dest vault address", err)
	}

	payload := instructionPayload(InstructionTransfer, srcAddr, amount)
	payload = append(payload, dstAddr...)
	return &SignedTx{
		Payload:               payload,
		Signature:             sign(authority, payload),
		VaultAddress:          sourceVaultAddress,
		TokenAccount:          destVaultAddress,
		EstimatedComputeUnits: 20_000,
	}, nil
}
