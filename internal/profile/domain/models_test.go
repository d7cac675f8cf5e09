package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
)

func TestSlotName(t *testing.T) {
	cases := map[int]string{1: "Principal", 2: "Profile 2", 5: "Profile 5"}
	for index, want := range cases {
		if got := SlotName(index); got != want {
			t.Fatalf("SlotName(%d) = %q, want %q", index, got, want)
		}
	}
}

func TestNewBatch(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	slots := NewBatch(node, 42, 4, now)
	if len(slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(slots))
	}
	for i, slot := range slots {
		if slot.SlotIndex != i+1 {
			t.Fatalf("slot %d has index %d", i, slot.SlotIndex)
		}
		if slot.AccountID != 42 || !slot.IsFree() {
			t.Fatalf("unexpected slot %+v", slot)
		}
	}
	if slots[0].Name != "Principal" {
		t.Fatalf("first slot should be Principal, got %q", slots[0].Name)
	}

	if single := NewBatch(node, 7, 0, now); len(single) != 1 {
		t.Fatalf("capacity below one should still yield one slot, got %d", len(single))
	}
}

func TestSelectSlotsLowestIndexFirst(t *testing.T) {
	free := []Slot{
		{ID: 30, SlotIndex: 3},
		{ID: 10, SlotIndex: 1},
		{ID: 40, SlotIndex: 4},
	}

	got := SelectSlots(free, 2)
	if len(got) != 2 || got[0].SlotIndex != 1 || got[1].SlotIndex != 3 {
		t.Fatalf("unexpected selection %+v", got)
	}
	if free[0].SlotIndex != 3 {
		t.Fatalf("input slice must not be reordered")
	}
	if SelectSlots(free, 4) != nil {
		t.Fatalf("expected nil when too few slots are free")
	}
	if SelectSlots(free, 0) != nil {
		t.Fatalf("expected nil for a zero request")
	}
}
