package dbtest

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"
)

var seedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// InsertPlatform writes a platforms row.
func InsertPlatform(t testing.TB, db *gorm.DB, id int64, code string, hasProfiles bool, maxProfiles int) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO platforms (id, code, display_name, has_profiles, max_profiles_per_account, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, code, code, hasProfiles, maxProfiles, seedTime, seedTime,
	).Error
	if err != nil {
		t.Fatalf("insert platform %d: %v", id, err)
	}
}

// InsertOffer writes an offer with one leg per platform id in legs.
func InsertOffer(t testing.TB, db *gorm.DB, id int64, durationDays int, legs map[int64]int) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO offers (id, code, name, duration_days, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, fmt.Sprintf("offer-%d", id), fmt.Sprintf("Offer %d", id), durationDays, seedTime, seedTime,
	).Error
	if err != nil {
		t.Fatalf("insert offer %d: %v", id, err)
	}
	legID := id * 100
	for platformID, count := range legs {
		legID++
		if err := db.Exec(
			`INSERT INTO offer_legs (id, offer_id, platform_id, profile_count) VALUES (?, ?, ?, ?)`,
			legID, id, platformID, count,
		).Error; err != nil {
			t.Fatalf("insert offer leg: %v", err)
		}
	}
}

// InsertAccount writes an account and its slot rows. Slot ids are
// id*100+index. The availability column is left for the caller to recompute.
func InsertAccount(t testing.TB, db *gorm.DB, id, platformID int64, status string, slots int) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO accounts (id, platform_id, label, credentials, provider_offer_id, status, availability, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, NULL, ?, ?, ?, ?)`,
		id, platformID, fmt.Sprintf("account-%d", id), status, status == "ACTIVE" && slots > 0, seedTime, seedTime,
	).Error
	if err != nil {
		t.Fatalf("insert account %d: %v", id, err)
	}
	for i := 1; i <= slots; i++ {
		name := "Principal"
		if i > 1 {
			name = fmt.Sprintf("Profile %d", i)
		}
		if err := db.Exec(
			`INSERT INTO profile_slots (id, account_id, slot_index, name, bound_subscription_id, bound_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, NULL, NULL, ?, ?)`,
			id*100+int64(i), id, i, name, seedTime, seedTime,
		).Error; err != nil {
			t.Fatalf("insert slot: %v", err)
		}
	}
}

// BindSlots marks the lowest-index free slots of an account as held by
// subscriptionID.
func BindSlots(t testing.TB, db *gorm.DB, accountID, subscriptionID int64, n int) {
	t.Helper()
	var ids []int64
	if err := db.Raw(
		`SELECT id FROM profile_slots WHERE account_id = ? AND bound_subscription_id IS NULL ORDER BY slot_index ASC LIMIT ?`,
		accountID, n,
	).Scan(&ids).Error; err != nil {
		t.Fatalf("select free slots: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("account %d has %d free slots, want %d", accountID, len(ids), n)
	}
	for _, id := range ids {
		if err := db.Exec(
			`UPDATE profile_slots SET bound_subscription_id = ?, bound_at = ? WHERE id = ?`,
			subscriptionID, seedTime, id,
		).Error; err != nil {
			t.Fatalf("bind slot: %v", err)
		}
	}
}

// FreeSlotCount counts unbound slots of an account.
func FreeSlotCount(t testing.TB, db *gorm.DB, accountID int64) int {
	t.Helper()
	var n int64
	if err := db.Raw(
		`SELECT COUNT(*) FROM profile_slots WHERE account_id = ? AND bound_subscription_id IS NULL`,
		accountID,
	).Scan(&n).Error; err != nil {
		t.Fatalf("count free slots: %v", err)
	}
	return int(n)
}

// Availability reads the cached availability flag of an account.
func Availability(t testing.TB, db *gorm.DB, accountID int64) bool {
	t.Helper()
	var available bool
	if err := db.Raw(`SELECT availability FROM accounts WHERE id = ?`, accountID).Scan(&available).Error; err != nil {
		t.Fatalf("read availability: %v", err)
	}
	return available
}
