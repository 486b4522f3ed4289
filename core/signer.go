package core

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the external elliptic-curve signing/verification collaborator
// named in spec.md §1 as out of scope for the core protocol: the
// Protocol Engine depends only on this interface, never on a concrete
// curve implementation.
type Signer interface {
	// PublicKey returns this signer's own public key in the same
	// compressed form Verify expects.
	PublicKey() PublicKey

	// Sign returns a signature over msg under this signer's private key.
	Sign(msg []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature over msg under pk.
	Verify(pk PublicKey, msg, sig []byte) bool
}

// secp256k1Signer implements Signer using go-ethereum's crypto package
// (secp256k1, the same curve the teacher's transaction-signing code
// uses — see DESIGN.md).
type secp256k1Signer struct {
	priv *ecdsa.PrivateKey
	pub  PublicKey
}

// NewSigner builds a Signer from a raw secp256k1 private key (32 bytes).
func NewSigner(rawPrivateKey []byte) (Signer, error) {
	priv, err := crypto.ToECDSA(rawPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("flowchain: load private key: %w", err)
	}
	pub := crypto.CompressPubkey(&priv.PublicKey)
	return &secp256k1Signer{priv: priv, pub: PublicKey(pub)}, nil
}

func (s *secp256k1Signer) PublicKey() PublicKey { return s.pub }

func (s *secp256k1Signer) Sign(msg []byte) ([]byte, error) {
	hash := crypto.Keccak256(msg)
	sig, err := crypto.Sign(hash, s.priv)
	if err != nil {
		return nil, fmt.Errorf("flowchain: sign: %w", err)
	}
	// Drop the recovery id byte: verification below is keyed by the
	// claimed public key, not recovered from the signature.
	return sig[:64], nil
}

func (s *secp256k1Signer) Verify(pk PublicKey, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	hash := crypto.Keccak256(msg)
	pub, err := crypto.DecompressPubkey([]byte(pk))
	if err != nil {
		return false
	}
	return crypto.VerifySignature(crypto.CompressPubkey(pub), hash, sig)
}
