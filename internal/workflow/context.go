package workflow

import (
	"encoding/json"
	"fmt"

	"billsplit-agent/internal/domain"
)

// Context keys shared by the transition table and the step handlers.
const (
	KeyBill           = "bill"
	KeyPartialBill    = "partial_bill"
	KeyParticipants   = "participants"
	KeyDeliveries     = "deliveries"
	KeyTextOnly       = "text_only"
	KeyClarifications = "clarifications"
)

// Decode reads key from c into T. Values are stored in their JSON form, so
// a typed value and its decoded map form are both accepted.
func Decode[T any](c map[string]any, key string) (T, bool, error) {
	var zero T
	v, ok := c[key]
	if !ok || v == nil {
		return zero, false, nil
	}
	if typed, ok := v.(T); ok {
		return typed, true, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, true, fmt.Errorf("workflow: encode %q: %w", key, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, true, fmt.Errorf("workflow: decode %q: %w", key, err)
	}
	return out, true, nil
}

// Normalize converts v into its JSON-compatible form (maps, slices, strings,
// float64, bool) so the context bag round-trips through any store unchanged.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func BillOf(c map[string]any) (domain.BillData, bool, error) {
	return Decode[domain.BillData](c, KeyBill)
}

func PartialBillOf(c map[string]any) (domain.BillData, bool, error) {
	return Decode[domain.BillData](c, KeyPartialBill)
}

func ParticipantsOf(c map[string]any) ([]domain.Participant, bool, error) {
	return Decode[[]domain.Participant](c, KeyParticipants)
}

func DeliveriesOf(c map[string]any) ([]domain.DeliveryResult, bool, error) {
	return Decode[[]domain.DeliveryResult](c, KeyDeliveries)
}

// IntOf returns the integer stored under key, or 0.
func IntOf(c map[string]any, key string) int {
	n, _, err := Decode[int](c, key)
	if err != nil {
		return 0
	}
	return n
}

func BoolOf(c map[string]any, key string) bool {
	b, _, err := Decode[bool](c, key)
	return err == nil && b
}
