package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPromotionRepo struct {
	promo       *Promotion
	userUses    int
	created     []*Usage
	incremented []string
}

func (m *mockPromotionRepo) FindActiveByCode(_ context.Context, _ string) (*Promotion, error) {
	return m.promo, nil
}

func (m *mockPromotionRepo) FindByID(_ context.Context, _ string) (*Promotion, error) {
	if m.promo == nil {
		return nil, ErrNotFound
	}
	return m.promo, nil
}

func (m *mockPromotionRepo) IncrementUsage(_ context.Context, id string) error {
	m.incremented = append(m.incremented, id)
	return nil
}

func (m *mockPromotionRepo) CreateUsage(_ context.Context, u *Usage) error {
	m.created = append(m.created, u)
	return nil
}

func (m *mockPromotionRepo) CountUsageByUser(_ context.Context, _, _ string) (int, error) {
	return m.userUses, nil
}

type mockOrderCounter struct {
	count int
}

func (m *mockOrderCounter) CountByUser(_ context.Context, _ string) (int, error) {
	return m.count, nil
}

func TestUsageRecorderSegments(t *testing.T) {
	tests := []struct {
		name        string
		priorOrders int
		want        Segment
	}{
		{name: "zero orders is new", priorOrders: 0, want: SegmentNew},
		{name: "five orders is returning", priorOrders: 5, want: SegmentReturning},
		{name: "ten orders is still returning", priorOrders: 10, want: SegmentReturning},
		{name: "eleven orders is vip", priorOrders: 11, want: SegmentVIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockPromotionRepo{
				promo: &Promotion{
					ID:        "p1",
					StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
				},
			}
			rec := NewUsageRecorder(repo, &mockOrderCounter{count: tt.priorOrders})
			rec.now = func() time.Time {
				return time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
			}

			id, err := rec.Record(context.Background(), UsageInput{
				PromotionID:    "p1",
				UserID:         "u1",
				OrderID:        "o1",
				DiscountAmount: decimal.NewFromInt(5),
			})
			require.NoError(t, err)
			require.NotEmpty(t, id)
			require.Len(t, repo.created, 1)
			assert.Equal(t, tt.want, repo.created[0].CustomerSegment)
		})
	}
}

func TestUsageRecorderDerivedFields(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := &mockPromotionRepo{
		promo:    &Promotion{ID: "p1", StartDate: start},
		userUses: 0,
	}
	rec := NewUsageRecorder(repo, &mockOrderCounter{count: 3})
	rec.now = func() time.Time { return start.Add(90 * time.Minute) }

	_, err := rec.Record(context.Background(), UsageInput{
		PromotionID:    "p1",
		UserID:         "u1",
		OrderID:        "o1",
		CouponCode:     "SAVE",
		DiscountAmount: decimal.NewFromInt(5),
		OriginalAmount: decimal.NewFromInt(50),
		FinalAmount:    decimal.NewFromInt(45),
		CartItemCount:  4,
	})
	require.NoError(t, err)

	require.Len(t, repo.created, 1)
	u := repo.created[0]
	assert.True(t, u.IsFirstTimeUse)
	assert.Equal(t, int64(90), u.TimeToConversionMin)
	assert.Equal(t, 4, u.CartItemCount)
	assert.Equal(t, []string{"p1"}, repo.incremented)
}

func TestUsageRecorderRepeatUseNotFirstTime(t *testing.T) {
	repo := &mockPromotionRepo{
		promo:    &Promotion{ID: "p1", StartDate: time.Now().Add(-time.Hour)},
		userUses: 2,
	}
	rec := NewUsageRecorder(repo, &mockOrderCounter{count: 1})

	_, err := rec.Record(context.Background(), UsageInput{
		PromotionID: "p1", UserID: "u1", OrderID: "o1",
	})
	require.NoError(t, err)
	require.Len(t, repo.created, 1)
	assert.False(t, repo.created[0].IsFirstTimeUse)
}
