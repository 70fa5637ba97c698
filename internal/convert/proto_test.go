package convert

import (
	"strings"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/wrapperspb"

	model "github.com/and161185/memsync/internal/model"
)

func mustUUID(t *testing.T, s string) u.UUID {
	t.Helper()
	id, err := u.FromString(s)
	if err != nil {
		t.Fatalf("bad uuid %q: %v", s, err)
	}
	return id
}

func TestToProtoAccount(t *testing.T) {
	t.Parallel()

	renewal := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	owner := mustUUID(t, "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11")
	a := &model.Account{
		ID:             mustUUID(t, "0b8f7c7e-3c3a-4f61-8f5e-7a3d1e0c2b44"),
		FirstName:      "Ann",
		LastName:       "Lee",
		Role:           model.RoleDependent,
		MembershipType: "Family Membership",
		RenewalDate:    &renewal,
		State:          model.StateDueSoon,
		ParentID:       u.NullUUID{UUID: owner, Valid: true},
	}
	s, err := ToProtoAccount(a)
	if err != nil {
		t.Fatalf("ToProtoAccount: %v", err)
	}
	m := s.AsMap()
	if m["name"] != "Ann Lee" || m["role"] != "dependent" || m["state"] != "due_soon" {
		t.Fatalf("fields mismatch: %v", m)
	}
	if m["renewal_date"] != "2024-03-05" {
		t.Fatalf("renewal date: %v", m["renewal_date"])
	}
	if m["parent_id"] != owner.String() {
		t.Fatalf("parent: %v", m["parent_id"])
	}
	if m["updated_at"] != nil {
		t.Fatalf("zero time must be null, got %v", m["updated_at"])
	}

	a.RenewalDate = nil
	a.ParentID = u.NullUUID{}
	s, err = ToProtoAccount(a)
	if err != nil {
		t.Fatalf("ToProtoAccount: %v", err)
	}
	if m := s.AsMap(); m["renewal_date"] != nil || m["parent_id"] != nil {
		t.Fatalf("unprovisioned account must have null dates: %v", m)
	}

	if _, err := ToProtoAccount(nil); err == nil {
		t.Fatalf("want error on nil account")
	}
}

func TestToProtoFailures(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	fs := []model.SyncFailure{
		{ID: u.Must(u.NewV4()), EventKind: "order", Reference: "1001", Step: "payment", Payload: []byte(`{"action":"payment"}`), CreatedAt: at},
		{ID: u.Must(u.NewV4()), EventKind: "order", Reference: "1001", Step: "classify", CreatedAt: at, ResolvedAt: &at},
	}
	s, err := ToProtoFailures(fs)
	if err != nil {
		t.Fatalf("ToProtoFailures: %v", err)
	}
	list, ok := s.AsMap()["failures"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("failures list: %v", s.AsMap())
	}
	first := list[0].(map[string]any)
	if first["retryable"] != true || first["created_at"] != "2024-03-05T14:00:00Z" || first["resolved_at"] != nil {
		t.Fatalf("first: %v", first)
	}
	if second := list[1].(map[string]any); second["retryable"] != false || second["resolved_at"] == nil {
		t.Fatalf("second: %v", second)
	}

	empty, err := ToProtoFailures(nil)
	if err != nil || len(empty.AsMap()["failures"].([]any)) != 0 {
		t.Fatalf("empty list: %v %v", empty, err)
	}
}

type report struct {
	Day     string   `json:"day"`
	Scanned int      `json:"scanned"`
	Errors  []string `json:"errors"`
}

func TestToStructFromStruct_Roundtrip(t *testing.T) {
	t.Parallel()

	in := report{Day: "2024-03-05", Scanned: 12, Errors: []string{"boom"}}
	s, err := ToStruct(in)
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	var out report
	if err := FromStruct(s, &out); err != nil {
		t.Fatalf("FromStruct: %v", err)
	}
	if out.Day != in.Day || out.Scanned != 12 || len(out.Errors) != 1 {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}

	if _, err := ToStruct([]int{1}); err == nil {
		t.Fatalf("want error on non-object value")
	}
	if err := FromStruct(nil, &out); err == nil {
		t.Fatalf("want error on nil struct")
	}
}

func TestFromProtoID(t *testing.T) {
	t.Parallel()

	want := u.Must(u.NewV4())
	got, err := FromProtoID(wrapperspb.String(want.String()))
	if err != nil || got != want {
		t.Fatalf("FromProtoID: %v %v", got, err)
	}
	_, err = FromProtoID(wrapperspb.String("not-a-uuid"))
	if err == nil || !strings.Contains(err.Error(), "invalid id") {
		t.Fatalf("want invalid id error, got: %v", err)
	}
	if _, err := FromProtoID(nil); err == nil {
		t.Fatalf("want error on nil id")
	}
}
