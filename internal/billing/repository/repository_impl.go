// Package repository implements the credit ledger store. Pool counters move
// through atomic field-scoped increments so concurrent recorders never lose
// updates; decisions read snapshots, commits go through guarded UPDATEs.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/pkg/db/option"
	"github.com/docuply/backend/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func New(db *gorm.DB, genID *snowflake.Node) billingdomain.Repository {
	return &repository{db: db, genID: genID}
}

func (r *repository) EnsureCustomer(ctx context.Context, orgID snowflake.ID) (*billingdomain.PaymentCustomer, error) {
	if orgID == 0 {
		return nil, billingdomain.ErrInvalidOrganization
	}

	now := time.Now().UTC()
	row := billingdomain.PaymentCustomer{
		ID:        r.genID.Generate(),
		OrgID:     orgID,
		Tier:      billingdomain.TierNone,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		return nil, err
	}

	return r.FindCustomer(ctx, orgID)
}

func (r *repository) FindCustomer(ctx context.Context, orgID snowflake.ID) (*billingdomain.PaymentCustomer, error) {
	var customer billingdomain.PaymentCustomer
	err := r.db.WithContext(ctx).Where("org_id = ?", orgID).First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repository) FindCustomerByProviderID(ctx context.Context, providerCustomerID string) (*billingdomain.PaymentCustomer, error) {
	providerCustomerID = strings.TrimSpace(providerCustomerID)
	if providerCustomerID == "" {
		return nil, nil
	}
	var customer billingdomain.PaymentCustomer
	err := r.db.WithContext(ctx).Where("provider_customer_id = ?", providerCustomerID).First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

func (r *repository) ListCustomers(ctx context.Context) ([]billingdomain.PaymentCustomer, error) {
	var customers []billingdomain.PaymentCustomer
	err := r.db.WithContext(ctx).Order("org_id").Find(&customers).Error
	return customers, err
}

// ApplyUsage advances pool counters and appends audit records in one
// transaction. The WHERE guards keep the purchased and granted pools from
// being overdrawn by a racing recorder working off a stale snapshot; zero
// rows affected surfaces as ErrStaleBalance so the caller can re-snapshot.
// Paid overage has no counter; it exists only in the audit trail.
func (r *repository) ApplyUsage(ctx context.Context, orgID snowflake.ID, alloc billingdomain.Allocation, records []*billingdomain.UsageRecord) error {
	if orgID == 0 {
		return billingdomain.ErrInvalidOrganization
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE payment_customers
			 SET subscription_spus_used = subscription_spus_used + ?,
			     purchased_credits_used = purchased_credits_used + ?,
			     granted_credits_used = granted_credits_used + ?,
			     updated_at = ?
			 WHERE org_id = ?
			   AND purchased_credits - purchased_credits_used >= ?
			   AND granted_credits - granted_credits_used >= ?`,
			alloc.FromSubscription,
			alloc.FromPurchased,
			alloc.FromGranted,
			time.Now().UTC(),
			orgID,
			alloc.FromPurchased,
			alloc.FromGranted,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return billingdomain.ErrStaleBalance
		}

		if len(records) == 0 {
			return nil
		}
		return tx.Create(records).Error
	})
}

func (r *repository) ResetPeriod(ctx context.Context, orgID snowflake.ID, newStart, newEnd time.Time, zeroUsed bool) (bool, error) {
	if orgID == 0 {
		return false, billingdomain.ErrInvalidOrganization
	}

	newStart = newStart.UTC()
	newEnd = newEnd.UTC()
	now := time.Now().UTC()

	var result *gorm.DB
	if zeroUsed {
		result = r.db.WithContext(ctx).Exec(
			`UPDATE payment_customers
			 SET subscription_spus_used = 0, billing_period_start = ?, billing_period_end = ?, updated_at = ?
			 WHERE org_id = ? AND (billing_period_start IS NULL OR billing_period_start <> ?)`,
			newStart, newEnd, now, orgID, newStart,
		)
	} else {
		result = r.db.WithContext(ctx).Exec(
			`UPDATE payment_customers
			 SET billing_period_start = ?, billing_period_end = ?, updated_at = ?
			 WHERE org_id = ? AND (billing_period_start IS NULL OR billing_period_start <> ?)`,
			newStart, newEnd, now, orgID, newStart,
		)
	}
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) AddGrantedCredits(ctx context.Context, orgID snowflake.ID, credits int64) error {
	if credits <= 0 {
		return billingdomain.ErrInvalidCredits
	}
	result := r.db.WithContext(ctx).Exec(
		`UPDATE payment_customers SET granted_credits = granted_credits + ?, updated_at = ? WHERE org_id = ?`,
		credits, time.Now().UTC(), orgID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billingdomain.ErrCustomerNotFound
	}
	return nil
}

func (r *repository) AddPurchasedCredits(ctx context.Context, orgID snowflake.ID, credits int64, sessionID string) (bool, error) {
	if credits <= 0 {
		return false, billingdomain.ErrInvalidCredits
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return false, billingdomain.ErrInvalidSession
	}

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		trx := billingdomain.CreditTransaction{
			ID:        r.genID.Generate(),
			SessionID: sessionID,
			OrgID:     orgID,
			Credits:   credits,
			CreatedAt: time.Now().UTC(),
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).Create(&trx)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Session already applied; the retry is a no-op.
			return nil
		}

		update := tx.Exec(
			`UPDATE payment_customers SET purchased_credits = purchased_credits + ?, updated_at = ? WHERE org_id = ?`,
			credits, time.Now().UTC(), orgID,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return billingdomain.ErrCustomerNotFound
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *repository) UpdateSubscriptionState(ctx context.Context, orgID snowflake.ID, state billingdomain.SubscriptionState) error {
	updates := map[string]any{
		"tier":                       state.Tier,
		"subscription_spu_allowance": state.Allowance,
		"provider_subscription_id":   state.ProviderSubscriptionID,
		"billing_period_start":       state.PeriodStart,
		"billing_period_end":         state.PeriodEnd,
		"updated_at":                 time.Now().UTC(),
	}
	result := r.db.WithContext(ctx).
		Model(&billingdomain.PaymentCustomer{}).
		Where("org_id = ?", orgID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billingdomain.ErrCustomerNotFound
	}
	return nil
}

func (r *repository) SetProviderCustomerID(ctx context.Context, orgID snowflake.ID, providerCustomerID string) error {
	result := r.db.WithContext(ctx).
		Model(&billingdomain.PaymentCustomer{}).
		Where("org_id = ?", orgID).
		Updates(map[string]any{
			"provider_customer_id": providerCustomerID,
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billingdomain.ErrCustomerNotFound
	}
	return nil
}

func (r *repository) SetPortalEnabled(ctx context.Context, orgID snowflake.ID) error {
	return r.db.WithContext(ctx).
		Model(&billingdomain.PaymentCustomer{}).
		Where("org_id = ?", orgID).
		Updates(map[string]any{
			"portal_enabled": true,
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (r *repository) DeleteCustomer(ctx context.Context, orgID snowflake.ID) error {
	return r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Delete(&billingdomain.PaymentCustomer{}).Error
}

func (r *repository) InsertEvent(ctx context.Context, event *billingdomain.BillingEvent) (bool, error) {
	if event == nil || strings.TrimSpace(event.ProviderEventID) == "" {
		return false, billingdomain.ErrInvalidSession
	}
	if event.ID == 0 {
		event.ID = r.genID.Generate()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) FindEvent(ctx context.Context, providerEventID string) (*billingdomain.BillingEvent, error) {
	var event billingdomain.BillingEvent
	err := r.db.WithContext(ctx).Where("provider_event_id = ?", providerEventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repository) MarkEventProcessed(ctx context.Context, id snowflake.ID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&billingdomain.BillingEvent{}).
		Where("id = ?", id).
		Update("processed_at", at.UTC()).Error
}

func (r *repository) SumUsage(ctx context.Context, orgID snowflake.ID, operation string, from, to time.Time) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&billingdomain.UsageRecord{}).
		Where("org_id = ? AND recorded_at >= ? AND recorded_at < ?", orgID, from.UTC(), to.UTC())
	if operation != "" {
		query = query.Where("operation = ?", operation)
	}

	var total *int64
	if err := query.Select("SUM(spus)").Scan(&total).Error; err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

func (r *repository) UsageByDay(ctx context.Context, orgID snowflake.ID, from, to time.Time) ([]billingdomain.UsageDay, error) {
	type dayRow struct {
		Day  string
		SPUs int64 `gorm:"column:spus"`
	}

	// Paid overage rows duplicate the tail of their source event, so they
	// are excluded from the daily buckets to keep the series additive.
	var rows []dayRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT `+r.dayExpr()+` AS day, SUM(spus) AS spus
		 FROM usage_records
		 WHERE org_id = ? AND recorded_at >= ? AND recorded_at < ? AND operation <> ?
		 GROUP BY 1
		 ORDER BY 1`,
		orgID, from.UTC(), to.UTC(), billingdomain.OperationPaidUsage,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	days := make([]billingdomain.UsageDay, 0, len(rows))
	for _, row := range rows {
		day, err := time.Parse("2006-01-02", row.Day)
		if err != nil {
			continue
		}
		days = append(days, billingdomain.UsageDay{Day: day, SPUs: row.SPUs})
	}
	return days, nil
}

func (r *repository) ListUsageRecords(ctx context.Context, orgID snowflake.ID, page pagination.Pagination) ([]billingdomain.UsageRecord, pagination.PageInfo, error) {
	size := page.PageSize
	if size <= 0 {
		size = 10
	}

	stmt := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC")
	stmt = option.ApplyPagination(page).Apply(stmt)

	var records []billingdomain.UsageRecord
	if err := stmt.Find(&records).Error; err != nil {
		return nil, pagination.PageInfo{}, err
	}

	info := pagination.PageInfo{}
	if len(records) > size {
		records = records[:size]
		last := records[len(records)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		info.HasMore = true
		info.NextPageToken = token
	}
	return records, info, nil
}

func (r *repository) dayExpr() string {
	switch strings.ToLower(r.db.Dialector.Name()) {
	case "postgres":
		return `to_char(recorded_at, 'YYYY-MM-DD')`
	case "mysql":
		return `DATE_FORMAT(recorded_at, '%Y-%m-%d')`
	default:
		return `strftime('%Y-%m-%d', recorded_at)`
	}
}
