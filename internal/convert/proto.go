// Package convert maps domain values onto protobuf well-known types used by
// the operator API.
package convert

import (
	"encoding/json"
	"fmt"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	model "github.com/and161185/memsync/internal/model"
)

// --- helpers ---

func date(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.DateOnly)
}

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// --- generic (server <-> client) ---

// ToStruct converts any JSON-encodable value into a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("value is not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes a Struct into v using its JSON tags.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("nil struct")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// FromProtoID parses an account or failure id.
func FromProtoID(in *wrapperspb.StringValue) (u.UUID, error) {
	var id u.UUID
	if err := id.UnmarshalText([]byte(in.GetValue())); err != nil {
		return u.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}

// --- Account (server -> client) ---

// ToProtoAccount converts an account to a Struct.
func ToProtoAccount(a *model.Account) (*structpb.Struct, error) {
	if a == nil {
		return nil, fmt.Errorf("nil account")
	}
	var parent any
	if a.ParentID.Valid {
		parent = a.ParentID.UUID.String()
	}
	deps := make([]any, 0, len(a.Dependents))
	for _, d := range a.Dependents {
		deps = append(deps, d.String())
	}
	return structpb.NewStruct(map[string]any{
		"id":              a.ID.String(),
		"name":            a.DisplayName(),
		"email":           a.Email,
		"role":            string(a.Role),
		"constituent_id":  a.ConstituentID,
		"membership_type": a.MembershipType,
		"renewal_date":    date(a.RenewalDate),
		"state":           string(a.State),
		"payment_method":  string(a.PaymentMethod),
		"parent_id":       parent,
		"dependents":      deps,
		"updated_at":      ts(a.UpdatedAt),
	})
}

// --- Failures (server -> client) ---

// ToProtoFailure converts a sync failure. The payload is not exposed; only
// whether the failure can be retried.
func ToProtoFailure(f model.SyncFailure) map[string]any {
	var resolved any
	if f.ResolvedAt != nil {
		resolved = ts(*f.ResolvedAt)
	}
	return map[string]any{
		"id":          f.ID.String(),
		"event":       f.EventKind,
		"reference":   f.Reference,
		"step":        f.Step,
		"message":     f.Message,
		"retryable":   len(f.Payload) > 0,
		"created_at":  ts(f.CreatedAt),
		"resolved_at": resolved,
	}
}

// ToProtoFailures wraps failures as {"failures": [...]}.
func ToProtoFailures(fs []model.SyncFailure) (*structpb.Struct, error) {
	out := make([]any, 0, len(fs))
	for _, f := range fs {
		out = append(out, ToProtoFailure(f))
	}
	return structpb.NewStruct(map[string]any{"failures": out})
}
