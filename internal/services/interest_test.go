package services

import (
	"testing"
	"time"

	"github.com/scfchain/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSimpleInterest(t *testing.T) {
	tests := []struct {
		name      string
		principal string
		rate      string
		days      int
		want      string
	}{
		{"ninety days", "100000.00", "5.5", 90, "1375.00"},
		{"one year act/360", "100000.00", "3.6", 360, "3600.00"},
		{"rounds half up", "900.00", "1", 1, "0.03"},
		{"rounds to nearest cent", "1000.00", "1", 1, "0.03"},
		{"sub cent", "100.00", "1", 1, "0.00"},
		{"zero days", "100000.00", "5.5", 0, "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SimpleInterest(decimal.RequireFromString(tt.principal), decimal.RequireFromString(tt.rate), tt.days)
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestQuoteRepayment(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	pledge := &models.PledgeRecord{
		PledgeAmount:    decimal.RequireFromString("100000.00"),
		PledgeRate:      decimal.RequireFromString("5.5"),
		PledgeStartDate: start,
		PledgeEndDate:   start.AddDate(0, 0, 90),
	}

	t.Run("early repayment pays the full term", func(t *testing.T) {
		q := QuoteRepayment(pledge, start.AddDate(0, 0, 10), decimal.Zero)
		assert.Equal(t, 90, q.InterestDays)
		assert.Equal(t, "1375.00", q.Interest.StringFixed(2))
		assert.Equal(t, "101375.00", q.Total.StringFixed(2))
	})

	t.Run("late repayment pays elapsed days", func(t *testing.T) {
		q := QuoteRepayment(pledge, start.AddDate(0, 0, 120).Add(15*time.Hour), decimal.Zero)
		assert.Equal(t, 120, q.InterestDays)
		assert.Equal(t, "1833.33", q.Interest.StringFixed(2))
	})

	t.Run("fees are added", func(t *testing.T) {
		q := QuoteRepayment(pledge, start, decimal.RequireFromString("12.345"))
		assert.Equal(t, "12.35", q.Fees.StringFixed(2))
		assert.Equal(t, "101387.35", q.Total.StringFixed(2))
	})
}
