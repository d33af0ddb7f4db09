package billing

import (
	"encoding/binary"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"subledger/crypto"
)

// Namespace tags for the two record kinds. The literal strings participate
// in address derivation and are fixed forever.
const (
	NamespacePlan         = "plan"
	NamespaceSubscription = "subscription"
)

const bumpSeed = "bump"

// Address is the deterministic 32-byte location of a record, derived from a
// namespace tag and an owner identity/id tuple. There is no separate index:
// anyone can recompute a record's address offline from its owning identities.
type Address [32]byte

// String renders the address as bech32 with the shared "sub" prefix.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(crypto.IdentityPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw address bytes.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool { return a == Address{} }

// AddressFromBytes converts a raw 32-byte slice into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != 32 {
		return Address{}, ErrInvalidArgument
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// DecodeAddress parses a bech32-encoded record address.
func DecodeAddress(s string) (Address, error) {
	id, err := crypto.DecodeIdentity(s)
	if err != nil {
		return Address{}, err
	}
	return Address(id), nil
}

// Derive computes the storage address and disambiguation bump for a record
// from its namespace tag and ordered seed tuple. The bump is itself derived
// from the seeds, then folded into the address preimage, which keeps the
// preimage disjoint from plain keccak images of the seed material. Records
// store their bump and it is revalidated on load.
func Derive(namespace string, seeds ...[]byte) (Address, uint8) {
	bumpInput := make([][]byte, 0, len(seeds)+2)
	bumpInput = append(bumpInput, []byte(bumpSeed), []byte(namespace))
	bumpInput = append(bumpInput, seeds...)
	digest := ethcrypto.Keccak256(bumpInput...)
	bump := digest[len(digest)-1]

	addrInput := make([][]byte, 0, len(seeds)+2)
	addrInput = append(addrInput, []byte(namespace))
	addrInput = append(addrInput, seeds...)
	addrInput = append(addrInput, []byte{bump})
	var addr Address
	copy(addr[:], ethcrypto.Keccak256(addrInput...))
	return addr, bump
}

// DerivePlanAddress computes the address of the plan owned by merchant with
// the given per-merchant plan id.
func DerivePlanAddress(merchant crypto.Identity, planID uint16) (Address, uint8) {
	var id [2]byte
	binary.LittleEndian.PutUint16(id[:], planID)
	return Derive(NamespacePlan, merchant.Bytes(), id[:])
}

// DeriveSubscriptionAddress computes the address of the subscription held by
// subscriber against the plan at planAddr.
func DeriveSubscriptionAddress(subscriber crypto.Identity, planAddr Address) (Address, uint8) {
	return Derive(NamespaceSubscription, subscriber.Bytes(), planAddr.Bytes())
}
