package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// IdentityPrefix is the human-readable part used when rendering identities
// and derived record addresses as bech32 strings.
const IdentityPrefix = "sub"

// IdentityLength is the byte length of every identity and record address on
// the ledger. The record wire layouts depend on this value and it must never
// change.
const IdentityLength = 32

// Identity is the 32-byte on-ledger identity of a key holder: the full
// keccak256 digest of the uncompressed public key (without the 0x04 prefix
// byte). Unlike Ethereum the digest is not truncated, so identities share
// their width with derived record addresses.
type Identity [IdentityLength]byte

// String renders the identity as a bech32 string with the "sub" prefix.
func (id Identity) String() string {
	conv, err := bech32.ConvertBits(id[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(IdentityPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw identity bytes.
func (id Identity) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the identity is the all-zero value.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// IdentityFromBytes converts a raw 32-byte slice into an Identity.
func IdentityFromBytes(b []byte) (Identity, error) {
	if len(b) != IdentityLength {
		return Identity{}, fmt.Errorf("identity must be %d bytes, got %d", IdentityLength, len(b))
	}
	var id Identity
	copy(id[:], b)
	return id, nil
}

// DecodeIdentity parses a bech32-encoded identity string.
func DecodeIdentity(s string) (Identity, error) {
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != IdentityPrefix {
		return Identity{}, fmt.Errorf("unexpected identity prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Identity{}, fmt.Errorf("error converting bits: %w", err)
	}
	return IdentityFromBytes(conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable secp256k1 signature over the keccak256 digest
// of the message.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(msg), k.PrivateKey)
}

// Identity derives the on-ledger identity for the public key.
func (k *PublicKey) Identity() Identity {
	raw := crypto.FromECDSAPub(k.PublicKey)
	var id Identity
	copy(id[:], crypto.Keccak256(raw[1:]))
	return id
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// RecoverIdentity recovers the signing identity from a recoverable signature
// over msg. The message is hashed with keccak256 before recovery, matching
// PrivateKey.Sign.
func RecoverIdentity(msg, sig []byte) (Identity, error) {
	pub, err := crypto.SigToPub(crypto.Keccak256(msg), sig)
	if err != nil {
		return Identity{}, fmt.Errorf("recover signer: %w", err)
	}
	return (&PublicKey{pub}).Identity(), nil
}

// VerifyIdentity reports whether sig over msg was produced by the holder of
// the key behind the claimed identity.
func VerifyIdentity(claimed Identity, msg, sig []byte) bool {
	recovered, err := RecoverIdentity(msg, sig)
	if err != nil {
		return false
	}
	return recovered == claimed
}
