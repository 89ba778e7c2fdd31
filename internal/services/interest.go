package services

import (
	"time"

	"github.com/scfchain/backend/internal/models"
	"github.com/shopspring/decimal"
)

var (
	hundred        = decimal.NewFromInt(100)
	dayCountBasis  = decimal.NewFromInt(360)
	moneyPrecision = int32(2)
)

// RepaymentQuote is the amount owed to close a pledge on a given date.
type RepaymentQuote struct {
	Principal    decimal.Decimal `json:"principal"`
	Interest     decimal.Decimal `json:"interest"`
	Fees         decimal.Decimal `json:"fees"`
	Total        decimal.Decimal `json:"total"`
	InterestDays int             `json:"interestDays"`
}

// SimpleInterest is principal × rate% × days / 360 (ACT/360), rounded half up
// to cents.
func SimpleInterest(principal, annualRatePercent decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	return principal.
		Mul(annualRatePercent).
		Mul(decimal.NewFromInt(int64(days))).
		Div(hundred.Mul(dayCountBasis)).
		Round(moneyPrecision)
}

// QuoteRepayment prices a release at repaidAt. Interest runs for the full
// contract term at minimum; days past the end date accrue on top.
func QuoteRepayment(p *models.PledgeRecord, repaidAt time.Time, fee decimal.Decimal) RepaymentQuote {
	days := p.TermDays()
	if elapsed := models.DaysBetween(p.PledgeStartDate, repaidAt); elapsed > days {
		days = elapsed
	}
	interest := SimpleInterest(p.PledgeAmount, p.PledgeRate, days)
	fees := fee.Round(moneyPrecision)
	return RepaymentQuote{
		Principal:    p.PledgeAmount,
		Interest:     interest,
		Fees:         fees,
		Total:        p.PledgeAmount.Add(interest).Add(fees),
		InterestDays: days,
	}
}
