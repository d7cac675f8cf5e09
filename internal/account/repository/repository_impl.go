package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	"gorm.io/gorm"
)

const accountColumns = `id, platform_id, label, credentials, provider_offer_id, status, availability, created_at, updated_at`

type repo struct{}

func Provide() accountdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *accountdomain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.PlatformID,
		account.Label,
		account.Credentials,
		account.ProviderOfferID,
		account.Status,
		account.Availability,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*accountdomain.Account, error) {
	var account accountdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM accounts WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter accountdomain.ListFilter) ([]accountdomain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.PlatformID != nil {
		query += ` AND platform_id = ?`
		args = append(args, *filter.PlatformID)
	}
	if filter.Cursor != nil {
		query += ` AND id > ?`
		args = append(args, *filter.Cursor)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var accounts []accountdomain.Account
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *repo) ListIDsAfter(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM accounts WHERE id > ? ORDER BY id ASC LIMIT ?`,
		after,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type slotCountRow struct {
	AccountID snowflake.ID
	Total     int
	Free      int
}

func (r *repo) CountSlots(ctx context.Context, db *gorm.DB, accountIDs []snowflake.ID) (map[snowflake.ID]accountdomain.SlotCount, error) {
	counts := make(map[snowflake.ID]accountdomain.SlotCount, len(accountIDs))
	if len(accountIDs) == 0 {
		return counts, nil
	}

	var rows []slotCountRow
	err := db.WithContext(ctx).Raw(
		`SELECT account_id,
		        COUNT(*) AS total,
		        SUM(CASE WHEN bound_subscription_id IS NULL THEN 1 ELSE 0 END) AS free
		 FROM profile_slots
		 WHERE account_id IN ?
		 GROUP BY account_id`,
		accountIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.AccountID] = accountdomain.SlotCount{Total: row.Total, Free: row.Free}
	}
	return counts, nil
}

// ListCandidates derives free slots from the slot rows, never from the
// cached availability column.
func (r *repo) ListCandidates(ctx context.Context, db *gorm.DB, platformID snowflake.ID, requiredSlots int) ([]accountdomain.Candidate, error) {
	var candidates []accountdomain.Candidate
	err := db.WithContext(ctx).Raw(
		`SELECT a.id AS account_id,
		        a.platform_id,
		        COUNT(s.id) AS free_slots,
		        CASE WHEN p.has_profiles THEN p.max_profiles_per_account ELSE 1 END AS max_profiles
		 FROM accounts a
		 JOIN platforms p ON p.id = a.platform_id
		 JOIN profile_slots s ON s.account_id = a.id AND s.bound_subscription_id IS NULL
		 WHERE a.platform_id = ? AND a.status = ?
		 GROUP BY a.id, a.platform_id, p.has_profiles, p.max_profiles_per_account
		 HAVING COUNT(s.id) >= ?`,
		platformID,
		accountdomain.AccountStatusActive,
		requiredSlots,
	).Scan(&candidates).Error
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status accountdomain.AccountStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		now,
		id,
	).Error
}

func (r *repo) UpdateProviderOffer(ctx context.Context, db *gorm.DB, id snowflake.ID, providerOfferID *snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts SET provider_offer_id = ?, updated_at = ? WHERE id = ?`,
		providerOfferID,
		now,
		id,
	).Error
}

// RecomputeAvailability rewrites the cached availability from status and
// the slot rows, and returns the stored value.
func (r *repo) RecomputeAvailability(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	var free int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM profile_slots WHERE account_id = ? AND bound_subscription_id IS NULL`,
		id,
	).Scan(&free).Error
	if err != nil {
		return false, err
	}

	err = db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET availability = (status = ? AND ? > 0), updated_at = ?
		 WHERE id = ?`,
		accountdomain.AccountStatusActive,
		free,
		now,
		id,
	).Error
	if err != nil {
		return false, err
	}

	var available bool
	err = db.WithContext(ctx).Raw(
		`SELECT availability FROM accounts WHERE id = ?`,
		id,
	).Scan(&available).Error
	if err != nil {
		return false, err
	}
	return available, nil
}

func (r *repo) CapacityByPlatform(ctx context.Context, db *gorm.DB) ([]accountdomain.PlatformCapacity, error) {
	var rows []accountdomain.PlatformCapacity
	err := db.WithContext(ctx).Raw(
		`SELECT a.platform_id,
		        COUNT(DISTINCT a.id) AS accounts_total,
		        COUNT(DISTINCT CASE WHEN a.status = ? THEN a.id END) AS accounts_active,
		        COUNT(DISTINCT CASE WHEN a.availability THEN a.id END) AS accounts_available,
		        COUNT(s.id) AS slots_total,
		        COALESCE(SUM(CASE WHEN a.status = ? AND s.id IS NOT NULL AND s.bound_subscription_id IS NULL THEN 1 ELSE 0 END), 0) AS slots_free
		 FROM accounts a
		 LEFT JOIN profile_slots s ON s.account_id = a.id
		 GROUP BY a.platform_id
		 ORDER BY a.platform_id ASC`,
		accountdomain.AccountStatusActive,
		accountdomain.AccountStatusActive,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
