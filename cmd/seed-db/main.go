package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dishpatch/dishpatch/internal/domain/promotion"
	"github.com/dishpatch/dishpatch/internal/repository"
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "staff API key to seed (or DISHPATCH_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or DISHPATCH_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("DISHPATCH_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or DISHPATCH_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("DISHPATCH_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedPromotions(ctx, pool); err != nil {
		return errors.Wrap(err, "seed promotions")
	}

	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

type seedPromotion struct {
	id        string
	name      string
	code      string
	promoType promotion.Type
	value     decimal.Decimal
	minimum   *decimal.Decimal
	allItems  bool
	elig      []string
	freeID    string
	freeName  string
	freePrice *decimal.Decimal
}

const seedPromotionSQL = `
INSERT INTO promotions (
    id, name, description, coupon_code, type, value, minimum_order_value,
    eligible_categories, apply_to_all_items,
    free_item_id, free_item_name, free_item_price,
    start_date, end_date, active
) VALUES ($1, $2, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE)
ON CONFLICT (coupon_code) DO UPDATE SET
    name = EXCLUDED.name,
    type = EXCLUDED.type,
    value = EXCLUDED.value,
    minimum_order_value = EXCLUDED.minimum_order_value,
    end_date = EXCLUDED.end_date,
    active = TRUE,
    updated_at = NOW()`

func seedPromotions(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding development promotions")

	ten := decimal.NewFromInt(10)
	twentyFive := decimal.NewFromInt(25)
	fiveNinetyNine := decimal.RequireFromString("5.99")

	promos := []seedPromotion{
		{
			id:        "seed-happyhours",
			name:      "Happy Hours: 18% off entire order",
			code:      "HAPPYHOURS",
			promoType: promotion.TypePercentage,
			value:     decimal.NewFromInt(18),
			allItems:  true,
		},
		{
			id:        "seed-bogo-drinks",
			name:      "Buy one get one on drinks",
			code:      "BOGODRINKS",
			promoType: promotion.TypeBuyOneGetOne,
			elig:      []string{"drinks"},
		},
		{
			id:        "seed-tenoff",
			name:      "$10 off orders over $25",
			code:      "TENOFF25",
			promoType: promotion.TypeFixedAmount,
			value:     ten,
			minimum:   &twentyFive,
			allItems:  true,
		},
		{
			id:        "seed-freefries",
			name:      "Free fries with any entree",
			code:      "FREEFRIES",
			promoType: promotion.TypeFreeItem,
			elig:      []string{"entrees"},
			freeID:    "menu-fries",
			freeName:  "Fries",
			freePrice: &fiveNinetyNine,
		},
	}

	start := time.Now().UTC()
	end := start.AddDate(1, 0, 0)

	for _, p := range promos {
		if _, err := pool.Exec(ctx, seedPromotionSQL,
			p.id, p.name, p.code, string(p.promoType), p.value, p.minimum,
			p.elig, p.allItems,
			nullable(p.freeID), p.freeName, p.freePrice,
			start, end,
		); err != nil {
			return errors.Wrapf(err, "upsert promotion %s", p.code)
		}

		slog.Info("upserted promotion", slog.String("code", p.code), slog.String("name", p.name))
	}

	return nil
}

const seedAPIKeySQL = `
INSERT INTO api_keys (id, key_hash, name, scopes, active)
VALUES ($1, $2, $3, $4, TRUE)
ON CONFLICT (id) DO UPDATE SET
    key_hash = EXCLUDED.key_hash,
    name = EXCLUDED.name,
    scopes = EXCLUDED.scopes,
    active = TRUE`

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(apiKey))
	keyHash := hex.EncodeToString(mac.Sum(nil))

	if _, err := pool.Exec(ctx, seedAPIKeySQL,
		"default", keyHash, "Default staff key", []string{"apply_promotion"},
	); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default"), slog.String("name", "Default staff key"))

	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
