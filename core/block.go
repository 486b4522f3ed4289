package core

import "fmt"

// HashSize is the length in bytes of a block's content id and of the
// genesis marker used as a predecessor hash.
const HashSize = 20

// Hash is a content hash: SHA1 of a block's canonical payload encoding.
type Hash [HashSize]byte

// String renders the hash as lowercase hex.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the all-zero genesis marker.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// GenesisMarker is the reserved previous-hash value for the first block
// of any chain: 20 zero bytes, per the original MultiChain community's
// GENESIS_ID convention (see DESIGN.md).
var GenesisMarker = Hash{}

// PublicKey is an opaque peer public key, compared and stored as raw bytes.
type PublicKey []byte

// String renders the key as hex, for logging.
func (pk PublicKey) String() string { return fmt.Sprintf("%x", []byte(pk)) }

// Equal reports whether two public keys carry the same bytes.
func (pk PublicKey) Equal(other PublicKey) bool {
	if len(pk) != len(other) {
		return false
	}
	for i := range pk {
		if pk[i] != other[i] {
			return false
		}
	}
	return true
}

// Payload is the fixed-layout block body defined in spec.md §4.1: the
// bytes that are hashed to produce a block's id and that are split
// between requester and responder signatures.
type Payload struct {
	Up   uint32
	Down uint32

	TotalUpRequester          uint32
	TotalDownRequester        uint32
	SequenceNumberRequester   int32
	PreviousHashRequester     Hash
	TotalUpResponder          uint32
	TotalDownResponder        uint32
	SequenceNumberResponder   int32
	PreviousHashResponder     Hash
}

// Block is a fully-signed, immutable record of one bilateral interaction
// (spec.md §3.1). A Block is only ever constructed from a completed
// handshake or from a crawled BlockResponse — never mutated afterward.
type Block struct {
	Payload

	PublicKeyRequester PublicKey
	PublicKeyResponder PublicKey
	SignatureRequester []byte
	SignatureResponder []byte
}

// ID returns the block's content hash: SHA1 of the canonical payload
// encoding (spec.md §4.1). Signatures and public keys are wire-adjacent
// metadata and are not part of the id pre-image.
func (b *Block) ID() (Hash, error) {
	buf, err := EncodePayload(&b.Payload)
	if err != nil {
		return Hash{}, err
	}
	return sha1Sum(buf), nil
}

// SideRequester and SideResponder identify which half of a block a
// public key is being evaluated against, used throughout the Store and
// Protocol Engine to treat both sides symmetrically.
type Side int

const (
	SideRequester Side = iota
	SideResponder
)

// totalsFor returns the (up, down) totals recorded on the given side of
// the block.
func (b *Block) totalsFor(side Side) (up, down uint32) {
	if side == SideRequester {
		return b.TotalUpRequester, b.TotalDownRequester
	}
	return b.TotalUpResponder, b.TotalDownResponder
}

// sequenceFor returns the sequence number recorded on the given side.
func (b *Block) sequenceFor(side Side) int32 {
	if side == SideRequester {
		return b.SequenceNumberRequester
	}
	return b.SequenceNumberResponder
}

// previousHashFor returns the previous-block hash recorded on the given side.
func (b *Block) previousHashFor(side Side) Hash {
	if side == SideRequester {
		return b.PreviousHashRequester
	}
	return b.PreviousHashResponder
}

// publicKeyFor returns the public key recorded on the given side.
func (b *Block) publicKeyFor(side Side) PublicKey {
	if side == SideRequester {
		return b.PublicKeyRequester
	}
	return b.PublicKeyResponder
}

// sideOf returns the Side on which pk appears in b, and whether it
// appears at all. A block may (in principle) name the same key on both
// sides; the requester side is reported first.
func (b *Block) sideOf(pk PublicKey) (Side, bool) {
	if b.PublicKeyRequester.Equal(pk) {
		return SideRequester, true
	}
	if b.PublicKeyResponder.Equal(pk) {
		return SideResponder, true
	}
	return 0, false
}
