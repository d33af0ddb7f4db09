package billing

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"subledger/crypto"
)

// Records are self-describing: the first 8 bytes of every stored record are
// a type tag derived from the record kind's name, independent of the
// record's address. The tag is the leading 8 bytes of
// keccak256("account:<kind>").
const tagLength = 8

var (
	planTag         = recordTag(NamespacePlan)
	subscriptionTag = recordTag(NamespaceSubscription)
)

func recordTag(kind string) [tagLength]byte {
	digest := ethcrypto.Keccak256([]byte("account:" + kind))
	var tag [tagLength]byte
	copy(tag[:], digest[:tagLength])
	return tag
}

// Layout sizes. The legacy plan layout predates the name field; records
// written under it must stay readable forever, so decode discriminates the
// two shapes by total length. Fields are never removed or repositioned; new
// optional fields are appended to the end of the layout.
const (
	planFixedLength      = tagLength + crypto.IdentityLength + 2 + 8 + 8 + 1 + 1 // 60
	planCurrentMinLength = planFixedLength + 4                                   // 64, zero-length name
	subscriptionLength   = tagLength + 2*crypto.IdentityLength + 8 + 8 + 8 + 8 + 1 + 1 + 1
)

// EncodePlan emits the current variable-length plan layout.
func EncodePlan(p *Plan) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, planCurrentMinLength+len(p.Name))
	copy(buf[:tagLength], planTag[:])
	offset := tagLength
	copy(buf[offset:], p.Merchant.Bytes())
	offset += crypto.IdentityLength
	binary.LittleEndian.PutUint16(buf[offset:], p.PlanID)
	offset += 2
	binary.LittleEndian.PutUint64(buf[offset:], p.AmountLamports)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], p.IntervalSecs)
	offset += 8
	buf[offset] = encodeBool(p.Active)
	offset++
	buf[offset] = p.Bump
	offset++
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(p.Name)))
	offset += 4
	copy(buf[offset:], p.Name)
	return buf, nil
}

// DecodePlan parses either plan layout, selecting by total length. A legacy
// 60-byte record decodes with an empty name. Any other length/tag
// combination is a hard decode failure, never a guess.
func DecodePlan(data []byte) (*Plan, error) {
	if len(data) < tagLength || [tagLength]byte(data[:tagLength]) != planTag {
		return nil, fmt.Errorf("%w: plan tag mismatch", ErrInvalidRecord)
	}
	switch {
	case len(data) == planFixedLength:
		return decodePlanFields(data, false)
	case len(data) >= planCurrentMinLength:
		return decodePlanFields(data, true)
	default:
		return nil, fmt.Errorf("%w: plan record length %d", ErrInvalidRecord, len(data))
	}
}

func decodePlanFields(data []byte, withName bool) (*Plan, error) {
	p := &Plan{}
	offset := tagLength
	merchant, err := crypto.IdentityFromBytes(data[offset : offset+crypto.IdentityLength])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	p.Merchant = merchant
	offset += crypto.IdentityLength
	p.PlanID = binary.LittleEndian.Uint16(data[offset:])
	offset += 2
	p.AmountLamports = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	p.IntervalSecs = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	active, err := decodeBool(data[offset])
	if err != nil {
		return nil, err
	}
	p.Active = active
	offset++
	p.Bump = data[offset]
	offset++
	if withName {
		nameLen := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		if nameLen > MaxPlanNameBytes {
			return nil, fmt.Errorf("%w: plan name length %d", ErrInvalidRecord, nameLen)
		}
		if len(data) != offset+int(nameLen) {
			return nil, fmt.Errorf("%w: plan record length %d", ErrInvalidRecord, len(data))
		}
		name := string(data[offset:])
		if !utf8.ValidString(name) {
			return nil, fmt.Errorf("%w: plan name not valid UTF-8", ErrInvalidRecord)
		}
		p.Name = name
	}
	return p, nil
}

// EncodeSubscription emits the fixed-length subscription layout.
func EncodeSubscription(s *Subscription) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, subscriptionLength)
	copy(buf[:tagLength], subscriptionTag[:])
	offset := tagLength
	copy(buf[offset:], s.Subscriber.Bytes())
	offset += crypto.IdentityLength
	copy(buf[offset:], s.Plan.Bytes())
	offset += crypto.IdentityLength
	binary.LittleEndian.PutUint64(buf[offset:], s.AmountLamports)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], s.IntervalSecs)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(s.NextBillingAt))
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(s.StartedAt))
	offset += 8
	buf[offset] = uint8(s.Status)
	offset++
	buf[offset] = encodeBool(s.AutoRenew)
	offset++
	buf[offset] = s.Bump
	return buf, nil
}

// DecodeSubscription parses the fixed-length subscription layout.
func DecodeSubscription(data []byte) (*Subscription, error) {
	if len(data) < tagLength || [tagLength]byte(data[:tagLength]) != subscriptionTag {
		return nil, fmt.Errorf("%w: subscription tag mismatch", ErrInvalidRecord)
	}
	if len(data) != subscriptionLength {
		return nil, fmt.Errorf("%w: subscription record length %d", ErrInvalidRecord, len(data))
	}
	s := &Subscription{}
	offset := tagLength
	subscriber, err := crypto.IdentityFromBytes(data[offset : offset+crypto.IdentityLength])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	s.Subscriber = subscriber
	offset += crypto.IdentityLength
	plan, err := AddressFromBytes(data[offset : offset+crypto.IdentityLength])
	if err != nil {
		return nil, fmt.Errorf("%w: bad plan reference", ErrInvalidRecord)
	}
	s.Plan = plan
	offset += crypto.IdentityLength
	s.AmountLamports = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	s.IntervalSecs = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	s.NextBillingAt = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	s.StartedAt = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	s.Status = SubscriptionStatus(data[offset])
	if !s.Status.Valid() {
		return nil, fmt.Errorf("%w: subscription status %d", ErrInvalidRecord, data[offset])
	}
	offset++
	autoRenew, err := decodeBool(data[offset])
	if err != nil {
		return nil, err
	}
	s.AutoRenew = autoRenew
	offset++
	s.Bump = data[offset]
	return s, nil
}

// IsPlanRecord reports whether raw record bytes carry the plan type tag.
// Used by namespace scans to skip unrelated records without decoding them.
func IsPlanRecord(data []byte) bool {
	return len(data) >= tagLength && [tagLength]byte(data[:tagLength]) == planTag
}

// IsSubscriptionRecord reports whether raw record bytes carry the
// subscription type tag.
func IsSubscriptionRecord(data []byte) bool {
	return len(data) >= tagLength && [tagLength]byte(data[:tagLength]) == subscriptionTag
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func decodeBool(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: boolean byte %d", ErrInvalidRecord, b)
	}
}
