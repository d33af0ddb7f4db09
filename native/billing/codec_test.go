package billing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"subledger/crypto"
)

func testIdentity(fill byte) crypto.Identity {
	var id crypto.Identity
	copy(id[:], bytes.Repeat([]byte{fill}, len(id)))
	return id
}

func testAddress(fill byte) Address {
	var addr Address
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

// encodeLegacyPlan writes the historical fixed 60-byte plan layout that
// predates the name field.
func encodeLegacyPlan(p *Plan) []byte {
	buf := make([]byte, planFixedLength)
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
	if p.Active {
		buf[offset] = 1
	}
	offset++
	buf[offset] = p.Bump
	return buf
}

func TestPlanRoundTrip(t *testing.T) {
	cases := []*Plan{
		{Merchant: testIdentity(0x11), PlanID: 0, AmountLamports: 1, IntervalSecs: 1, Name: "", Active: true, Bump: 7},
		{Merchant: testIdentity(0x22), PlanID: 42, AmountLamports: 10_000_000, IntervalSecs: 60, Name: "Test Plan", Active: true, Bump: 200},
		{Merchant: testIdentity(0x33), PlanID: 65535, AmountLamports: ^uint64(0), IntervalSecs: 86_400, Name: strings.Repeat("x", MaxPlanNameBytes), Active: false, Bump: 0},
		{Merchant: testIdentity(0x44), PlanID: 9, AmountLamports: 0, IntervalSecs: 3600, Name: "café ☀", Active: true, Bump: 255},
	}
	for _, original := range cases {
		encoded, err := EncodePlan(original)
		if err != nil {
			t.Fatalf("encode plan %q: %v", original.Name, err)
		}
		decoded, err := DecodePlan(encoded)
		if err != nil {
			t.Fatalf("decode plan %q: %v", original.Name, err)
		}
		if *decoded != *original {
			t.Fatalf("round trip mismatch: got %+v want %+v", decoded, original)
		}
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	cases := []*Subscription{
		{Subscriber: testIdentity(0xA1), Plan: testAddress(0xB1), AmountLamports: 10_000_000, IntervalSecs: 60, NextBillingAt: 1_700_000_060, StartedAt: 1_700_000_000, Status: StatusActive, AutoRenew: true, Bump: 3},
		{Subscriber: testIdentity(0xA2), Plan: testAddress(0xB2), AmountLamports: 1, IntervalSecs: 1, NextBillingAt: -5, StartedAt: -65, Status: StatusCancelled, AutoRenew: false, Bump: 254},
	}
	for _, original := range cases {
		encoded, err := EncodeSubscription(original)
		if err != nil {
			t.Fatalf("encode subscription: %v", err)
		}
		if len(encoded) != subscriptionLength {
			t.Fatalf("subscription length = %d, want %d", len(encoded), subscriptionLength)
		}
		decoded, err := DecodeSubscription(encoded)
		if err != nil {
			t.Fatalf("decode subscription: %v", err)
		}
		if *decoded != *original {
			t.Fatalf("round trip mismatch: got %+v want %+v", decoded, original)
		}
	}
}

func TestDecodeLegacyPlanLayout(t *testing.T) {
	original := &Plan{
		Merchant:       testIdentity(0x55),
		PlanID:         3,
		AmountLamports: 5_000_000,
		IntervalSecs:   2_592_000,
		Active:         true,
		Bump:           99,
	}
	legacy := encodeLegacyPlan(original)
	if len(legacy) != 60 {
		t.Fatalf("legacy layout length = %d, want 60", len(legacy))
	}
	decoded, err := DecodePlan(legacy)
	if err != nil {
		t.Fatalf("decode legacy plan: %v", err)
	}
	if decoded.Name != "" {
		t.Fatalf("legacy plan name = %q, want empty", decoded.Name)
	}
	if *decoded != *original {
		t.Fatalf("legacy decode mismatch: got %+v want %+v", decoded, original)
	}
}

func TestDecodeRejectsUnknownShapes(t *testing.T) {
	plan := &Plan{Merchant: testIdentity(0x66), PlanID: 1, AmountLamports: 10, IntervalSecs: 5, Name: "p", Active: true}
	encoded, err := EncodePlan(plan)
	if err != nil {
		t.Fatalf("encode plan: %v", err)
	}

	t.Run("truncated between layouts", func(t *testing.T) {
		if _, err := DecodePlan(encoded[:62]); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", err)
		}
	})
	t.Run("name length overruns buffer", func(t *testing.T) {
		mangled := append([]byte(nil), encoded...)
		binary.LittleEndian.PutUint32(mangled[planFixedLength:], 40)
		if _, err := DecodePlan(mangled); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", err)
		}
	})
	t.Run("foreign tag", func(t *testing.T) {
		mangled := append([]byte(nil), encoded...)
		mangled[0] ^= 0xFF
		if _, err := DecodePlan(mangled); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", err)
		}
	})
	t.Run("subscription tag on plan decode", func(t *testing.T) {
		sub := &Subscription{Subscriber: testIdentity(0x77), Plan: testAddress(0x88), AmountLamports: 1, IntervalSecs: 1, NextBillingAt: 2, StartedAt: 1, Status: StatusActive, AutoRenew: true}
		subBytes, err := EncodeSubscription(sub)
		if err != nil {
			t.Fatalf("encode subscription: %v", err)
		}
		if _, err := DecodePlan(subBytes); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", err)
		}
	})
	t.Run("bad subscription status", func(t *testing.T) {
		sub := &Subscription{Subscriber: testIdentity(0x77), Plan: testAddress(0x88), AmountLamports: 1, IntervalSecs: 1, NextBillingAt: 2, StartedAt: 1, Status: StatusActive, AutoRenew: true}
		subBytes, err := EncodeSubscription(sub)
		if err != nil {
			t.Fatalf("encode subscription: %v", err)
		}
		subBytes[subscriptionLength-3] = 9
		if _, err := DecodeSubscription(subBytes); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", err)
		}
	})
}

func TestEncodePlanRejectsOversizedName(t *testing.T) {
	plan := &Plan{
		Merchant:     testIdentity(0x99),
		PlanID:       1,
		IntervalSecs: 60,
		Name:         strings.Repeat("n", MaxPlanNameBytes+1),
		Active:       true,
	}
	if _, err := EncodePlan(plan); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestRecordTagPredicates(t *testing.T) {
	plan := &Plan{Merchant: testIdentity(0x10), PlanID: 1, AmountLamports: 1, IntervalSecs: 1, Active: true}
	planBytes, err := EncodePlan(plan)
	if err != nil {
		t.Fatalf("encode plan: %v", err)
	}
	sub := &Subscription{Subscriber: testIdentity(0x20), Plan: testAddress(0x30), AmountLamports: 1, IntervalSecs: 1, NextBillingAt: 1, StartedAt: 0, Status: StatusActive, AutoRenew: true}
	subBytes, err := EncodeSubscription(sub)
	if err != nil {
		t.Fatalf("encode subscription: %v", err)
	}
	if !IsPlanRecord(planBytes) || IsPlanRecord(subBytes) {
		t.Fatal("plan tag predicate misclassified records")
	}
	if !IsSubscriptionRecord(subBytes) || IsSubscriptionRecord(planBytes) {
		t.Fatal("subscription tag predicate misclassified records")
	}
	if IsPlanRecord([]byte{1, 2, 3}) || IsSubscriptionRecord(nil) {
		t.Fatal("short input misclassified")
	}
}
