package order

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

func TestParseDuplicatePolicy(t *testing.T) {
	cases := []struct {
		raw     string
		want    DuplicatePolicy
		wantErr bool
	}{
		{raw: "", want: DuplicatePolicyKeep},
		{raw: "keep", want: DuplicatePolicyKeep},
		{raw: " MERGE ", want: DuplicatePolicyMerge},
		{raw: "sum", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDuplicatePolicy(tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: unexpected error %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.raw, tc.want, got)
		}
	}
}

func TestDuplicatePolicyPlan(t *testing.T) {
	lines := []domain.LineRequest{line("a", 1), line("b", 2), line("a", 3), line("c", 1), line("b", 1)}

	keep, err := DuplicatePolicyKeep.plan(lines)
	if err != nil {
		t.Fatalf("keep: %v", err)
	}
	if len(keep) != len(lines) {
		t.Fatalf("keep must preserve every line, got %+v", keep)
	}
	for i, planned := range keep {
		if planned.Position != i || planned.ProductID != lines[i].ProductID || planned.Quantity != lines[i].Quantity {
			t.Fatalf("keep line %d: got %+v", i, planned)
		}
	}

	merged, err := DuplicatePolicyMerge.plan(lines)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := []plannedLine{
		{Position: 0, ProductID: "a", Quantity: 4},
		{Position: 1, ProductID: "b", Quantity: 3},
		{Position: 3, ProductID: "c", Quantity: 1},
	}
	if !reflect.DeepEqual(merged, want) {
		t.Fatalf("merge: expected %+v, got %+v", want, merged)
	}
}

func TestDuplicatePolicyPlan_MergeOverflow(t *testing.T) {
	lines := []domain.LineRequest{line("a", math.MaxInt64), line("a", 2)}

	_, err := DuplicatePolicyMerge.plan(lines)
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request on overflow, got %v", err)
	}

	// В режиме keep строки не суммируются.
	if _, err := DuplicatePolicyKeep.plan(lines); err != nil {
		t.Fatalf("keep must not sum lines: %v", err)
	}
}

func TestProcessOrder_MergeOverflowRejectedBeforeStoreAccess(t *testing.T) {
	f := newFixture()
	a := f.product(t, "A", "1.00", 5)

	_, err := f.processor(WithDuplicatePolicy(DuplicatePolicyMerge)).ProcessOrder(context.Background(),
		[]domain.LineRequest{line(a.ID, math.MaxInt64), line(a.ID, 2)})

	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if reads, decrements := f.ledger.calls(); reads != 0 || decrements != 0 {
		t.Fatalf("overflow must be rejected before store access, got reads=%d decrements=%d", reads, decrements)
	}
	if f.stock(t, a.ID).Stock != 5 {
		t.Fatal("stock must stay untouched")
	}
}
