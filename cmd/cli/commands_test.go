package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

func Test_validID(t *testing.T) {
	t.Parallel()

	if !validID("6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11") || !validID(" 6F1CBE8E-B2E7-4A3B-9F6E-2A2C0F2F9C11 ") {
		t.Fatalf("valid ids rejected")
	}
	for _, s := range []string{"", "1001", "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c1"} {
		if validID(s) {
			t.Fatalf("%q must be rejected", s)
		}
	}
}

func Test_decodeAndPrintFailures(t *testing.T) {
	t.Parallel()

	s, err := structpb.NewStruct(map[string]any{"failures": []any{
		map[string]any{"id": "f-1", "event": "order", "reference": "1001", "step": "payment", "message": "crm down", "retryable": true, "created_at": "2024-03-05T14:00:00Z"},
		map[string]any{"id": "f-2", "event": "order", "reference": "1002", "step": "classify", "message": strings.Repeat("x", 100), "retryable": false},
	}})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	rows, err := decodeFailures(s)
	if err != nil || len(rows) != 2 || !rows[0].Retryable || rows[1].Step != "classify" {
		t.Fatalf("decode: %+v %v", rows, err)
	}

	var buf bytes.Buffer
	printFailures(&buf, rows)
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("table:\n%s", out)
	}
	if !strings.Contains(lines[1], "yes") || !strings.Contains(lines[2], "…") {
		t.Fatalf("rows:\n%s", out)
	}
}

func Test_truncate(t *testing.T) {
	t.Parallel()

	if truncate("short", 10) != "short" {
		t.Fatalf("short strings stay")
	}
	if got := truncate("ääääääääää", 5); got != "ääää…" {
		t.Fatalf("rune-aware truncate: %q", got)
	}
}

func Test_choose(t *testing.T) {
	t.Parallel()

	if choose("", "b") != "b" || choose("a", "b") != "a" {
		t.Fatalf("choose mismatch")
	}
}

func Test_withTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := withTimeout()
	defer cancel()
	dl, ok := ctx.Deadline()
	if !ok || time.Until(dl) <= 0 || time.Until(dl) > 31*time.Second {
		t.Fatalf("unexpected deadline: %v", dl)
	}
}
