package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"traceflow/factlog"
)

type fakeReader struct {
	facts map[int64][]factlog.Fact
	err   error
}

func (f *fakeReader) ReadAll(_ context.Context, productID int64) ([]factlog.Fact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.facts[productID], nil
}

func fact(id int64, productID int64, seq int64, kind factlog.Kind, actor string, payload map[string]any) factlog.Fact {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return factlog.Fact{
		ID:        id,
		ProductID: &productID,
		Seq:       seq,
		Kind:      kind,
		Actor:     actor,
		Payload:   body,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
	}
}

// journeyFacts is the canonical producer -> distributor -> retailer journey
// with a regulator verification at the end.
func journeyFacts() []factlog.Fact {
	return []factlog.Fact{
		fact(1, 1, 1, factlog.KindCreated, "alice", map[string]any{
			"name": "Coffee", "batch_id": "B1", "origin": "Colombia",
		}),
		fact(2, 1, 2, factlog.KindOwnershipTransferred, "alice", map[string]any{
			"from": "alice", "to": "dave", "metadata": `{"loc":"A"}`,
		}),
		fact(3, 1, 3, factlog.KindStatusUpdated, "dave", map[string]any{
			"old_status": "created", "new_status": "in_transit", "notes": "ship",
		}),
		fact(4, 1, 4, factlog.KindOwnershipTransferred, "dave", map[string]any{
			"from": "dave", "to": "rita", "metadata": "",
		}),
		fact(5, 1, 5, factlog.KindVerified, "greg", map[string]any{
			"certificate_ref": "certHash", "notes": "ok", "old_status": "in_transit",
		}),
	}
}

func TestBuild_FullJourney(t *testing.T) {
	builder := NewBuilder(&fakeReader{facts: map[int64][]factlog.Fact{1: journeyFacts()}})

	entries, err := builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}

	wantKinds := []factlog.Kind{
		factlog.KindCreated,
		factlog.KindOwnershipTransferred,
		factlog.KindStatusUpdated,
		factlog.KindOwnershipTransferred,
		factlog.KindVerified,
	}
	for i, want := range wantKinds {
		if entries[i].Kind != want {
			t.Errorf("entry %d: expected kind %s, got %s", i, want, entries[i].Kind)
		}
	}

	if entries[0].Description != `Product "Coffee" registered by alice` {
		t.Errorf("unexpected creation description %q", entries[0].Description)
	}
	if entries[1].Description != "Custody transferred from alice to dave" {
		t.Errorf("unexpected transfer description %q", entries[1].Description)
	}
	if entries[2].Description != "Status changed from created to in_transit by dave" {
		t.Errorf("unexpected status description %q", entries[2].Description)
	}
	if !strings.Contains(entries[4].Description, "certHash") {
		t.Errorf("verification description should carry the certificate, got %q", entries[4].Description)
	}

	// Structured detail is preserved alongside the description.
	if entries[1].Detail["metadata"] != `{"loc":"A"}` {
		t.Errorf("transfer metadata must survive untouched, got %v", entries[1].Detail["metadata"])
	}
	if entries[2].Detail["notes"] != "ship" {
		t.Errorf("status notes must survive, got %v", entries[2].Detail["notes"])
	}

	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Errorf("entries out of order at %d: %d then %d", i, entries[i-1].Seq, entries[i].Seq)
		}
	}
}

func TestBuild_Deterministic(t *testing.T) {
	builder := NewBuilder(&fakeReader{facts: map[int64][]factlog.Fact{1: journeyFacts()}})

	first, err := builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := builder.Build(context.Background(), 1)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical timelines for an unchanged fact log")
	}
}

func TestBuild_EmptyForUnknownProduct(t *testing.T) {
	builder := NewBuilder(&fakeReader{facts: map[int64][]factlog.Fact{}})

	entries, err := builder.Build(context.Background(), 404)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty timeline, got %d entries", len(entries))
	}
}

func TestBuild_ReaderError(t *testing.T) {
	wantErr := errors.New("db down")
	builder := NewBuilder(&fakeReader{err: wantErr})

	if _, err := builder.Build(context.Background(), 1); !errors.Is(err, wantErr) {
		t.Fatalf("expected reader error to propagate, got %v", err)
	}
}

func TestBuild_SubSeqOrderWithinStep(t *testing.T) {
	// Two facts sharing a seq keep their sub order.
	a := fact(10, 2, 1, factlog.KindCreated, "alice", map[string]any{"name": "Tea"})
	b := fact(11, 2, 1, factlog.KindStatusUpdated, "alice", map[string]any{
		"old_status": "created", "new_status": "dispatched",
	})
	b.SubSeq = 1
	builder := NewBuilder(&fakeReader{facts: map[int64][]factlog.Fact{2: {a, b}}})

	entries, err := builder.Build(context.Background(), 2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(entries) != 2 || entries[0].SubSeq != 0 || entries[1].SubSeq != 1 {
		t.Fatalf("expected sub order preserved, got %+v", entries)
	}
}
