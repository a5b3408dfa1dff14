package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dishpatch/dishpatch/internal/domain/promotion"
)

const (
	promotionColumns = `id, name, description, coupon_code, type, value,
		minimum_order_value, usage_limit, usage_count, eligible_item_ids,
		eligible_categories, apply_to_all_items, free_item_id, free_item_name,
		free_item_price, start_date, end_date, active`

	getPromotionByCodeSQL = `SELECT ` + promotionColumns + `
		FROM promotions WHERE UPPER(coupon_code) = UPPER($1) AND active = TRUE`

	getPromotionByIDSQL = `SELECT ` + promotionColumns + `
		FROM promotions WHERE id = $1`

	// Single atomic UPDATE: concurrent redemptions cannot lose counter
	// increments.
	incrementUsageSQL = `UPDATE promotions
		SET usage_count = usage_count + 1 WHERE id = $1`

	createUsageSQL = `INSERT INTO promotion_usage
		(id, promotion_id, user_id, order_id, coupon_code, discount_amount,
		 original_amount, final_amount, customer_segment, is_first_time_use,
		 time_to_conversion_min, cart_item_count, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	countUsageByUserSQL = `SELECT COUNT(*) FROM promotion_usage
		WHERE promotion_id = $1 AND user_id = $2`
)

var _ promotion.Repository = (*PromotionRepository)(nil)

// PromotionRepository implements promotion.Repository backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// FindActiveByCode looks up an active promotion by coupon code
// (case-insensitive). Returns promotion.ErrNotFound when absent.
func (r *PromotionRepository) FindActiveByCode(ctx context.Context, code string) (*promotion.Promotion, error) {
	return r.findBy(ctx, getPromotionByCodeSQL, code)
}

// FindByID looks up a promotion regardless of its active flag.
func (r *PromotionRepository) FindByID(ctx context.Context, id string) (*promotion.Promotion, error) {
	return r.findBy(ctx, getPromotionByIDSQL, id)
}

func (r *PromotionRepository) findBy(ctx context.Context, query, arg string) (*promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying promotion: %w", err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanPromotion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrNotFound
		}
		return nil, fmt.Errorf("scanning promotion: %w", err)
	}
	return &p, nil
}

// IncrementUsage atomically bumps the promotion's usage counter.
func (r *PromotionRepository) IncrementUsage(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, incrementUsageSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing usage for promotion %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return promotion.ErrNotFound
	}
	return nil
}

// CreateUsage appends one redemption analytics row.
func (r *PromotionRepository) CreateUsage(ctx context.Context, u *promotion.Usage) error {
	_, err := r.pool.Exec(ctx, createUsageSQL,
		u.ID, u.PromotionID, u.UserID, u.OrderID, u.CouponCode,
		u.DiscountAmount, u.OriginalAmount, u.FinalAmount,
		string(u.CustomerSegment), u.IsFirstTimeUse,
		u.TimeToConversionMin, u.CartItemCount, u.UsedAt,
	)
	if err != nil {
		return fmt.Errorf("creating usage row for promotion %q: %w", u.PromotionID, err)
	}
	return nil
}

// CountUsageByUser returns how many times the user has redeemed the promotion.
func (r *PromotionRepository) CountUsageByUser(ctx context.Context, promotionID, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, countUsageByUserSQL, promotionID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting usage for promotion %q: %w", promotionID, err)
	}
	return n, nil
}

func scanPromotion(row pgx.CollectableRow) (promotion.Promotion, error) {
	var (
		p        promotion.Promotion
		ptype    string
		freeID   *string
		usageLim int32
		usageCnt int32
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.CouponCode, &ptype, &p.Value,
		&p.MinimumOrderValue, &usageLim, &usageCnt, &p.EligibleItemIDs,
		&p.EligibleCategories, &p.ApplyToAllItems, &freeID, &p.FreeItemName,
		&p.FreeItemPrice, &p.StartDate, &p.EndDate, &p.Active,
	)
	if err != nil {
		return promotion.Promotion{}, err
	}
	p.Type = promotion.Type(ptype)
	p.UsageLimit = int(usageLim)
	p.UsageCount = int(usageCnt)
	if freeID != nil {
		p.FreeItemID = *freeID
	}
	return p, nil
}
