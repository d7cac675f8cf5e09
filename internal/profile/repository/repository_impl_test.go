package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	profiledomain "github.com/smallbiznis/slotbroker/internal/profile/domain"
	"github.com/smallbiznis/slotbroker/pkg/db/dbtest"
)

func TestBindIsFirstWriterWins(t *testing.T) {
	db := dbtest.Open(t)
	dbtest.InsertPlatform(t, db, 1, "netflix", true, 4)
	dbtest.InsertAccount(t, db, 10, 1, "ACTIVE", 4)

	repo := Provide()
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if err := repo.Bind(ctx, db, 1001, 500, now); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := repo.Bind(ctx, db, 1001, 501, now); !errors.Is(err, profiledomain.ErrSlotAlreadyBound) {
		t.Fatalf("expected ErrSlotAlreadyBound, got %v", err)
	}

	free, err := repo.FreeSlots(ctx, db, 10)
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if len(free) != 3 || free[0].SlotIndex != 2 {
		t.Fatalf("unexpected free slots %+v", free)
	}

	bindings, err := repo.ListBySubscription(ctx, db, 500)
	if err != nil {
		t.Fatalf("list by subscription: %v", err)
	}
	if len(bindings) != 1 || bindings[0].SlotID != 1001 || bindings[0].PlatformID != 1 || bindings[0].SlotName != "Principal" {
		t.Fatalf("unexpected bindings %+v", bindings)
	}
}

func TestUnbindRequiresMatchingBinding(t *testing.T) {
	db := dbtest.Open(t)
	dbtest.InsertPlatform(t, db, 1, "netflix", true, 4)
	dbtest.InsertAccount(t, db, 10, 1, "ACTIVE", 2)
	dbtest.BindSlots(t, db, 10, 500, 1)

	repo := Provide()
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if err := repo.Unbind(ctx, db, 1002, 500, now); !errors.Is(err, profiledomain.ErrSlotNotBound) {
		t.Fatalf("expected ErrSlotNotBound for a free slot, got %v", err)
	}
	if err := repo.Unbind(ctx, db, 1001, 999, now); !errors.Is(err, profiledomain.ErrSlotNotBound) {
		t.Fatalf("expected ErrSlotNotBound for a foreign subscription, got %v", err)
	}
	if err := repo.Unbind(ctx, db, 1001, 500, now); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if got := dbtest.FreeSlotCount(t, db, 10); got != 2 {
		t.Fatalf("expected 2 free slots, got %d", got)
	}
}

func TestCreateBatchAndListByAccount(t *testing.T) {
	db := dbtest.Open(t)
	dbtest.InsertPlatform(t, db, 1, "disney", true, 3)
	dbtest.InsertAccount(t, db, 20, 1, "ACTIVE", 0)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	repo := Provide()
	ctx := context.Background()
	if err := repo.CreateBatch(ctx, db, profiledomain.NewBatch(node, 20, 3, now)); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	slots, err := repo.ListByAccount(ctx, db, 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
	for i, slot := range slots {
		if slot.SlotIndex != i+1 || slot.Name != profiledomain.SlotName(i+1) || !slot.IsFree() {
			t.Fatalf("unexpected slot %+v", slot)
		}
	}
}
