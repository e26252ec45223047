// Package fees computes trading fees and their distribution between the
// referral, governance, trigger, and vault buckets.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Schedule holds the venue fee parameters. Validated at the configuration
// boundary.
type Schedule struct {
	// TradingFeePct is charged on notional for opens and closes.
	TradingFeePct decimal.Decimal `json:"trading_fee_pct"`

	// MinFeeUSD floors every fee; it also prices the reporter round-trip
	// charged on cancellation.
	MinFeeUSD decimal.Decimal `json:"min_fee_usd"`

	// Shares of the fee, in percent. The vault takes the remainder.
	ReferralSharePct   decimal.Decimal `json:"referral_share_pct"`
	GovernanceSharePct decimal.Decimal `json:"governance_share_pct"`
	TriggerSharePct    decimal.Decimal `json:"trigger_share_pct"`
}

// TradingFee returns the fee for a notional, floored at MinFeeUSD.
func (s Schedule) TradingFee(notionalUSD decimal.Decimal) decimal.Decimal {
	fee := notionalUSD.Mul(s.TradingFeePct).Div(hundred).Round(model.UsdScale)
	if fee.LessThan(s.MinFeeUSD) {
		return s.MinFeeUSD
	}
	return fee
}

// Distribution is the split of one fee across its recipients.
type Distribution struct {
	Referral   decimal.Decimal `json:"referral"`
	Governance decimal.Decimal `json:"governance"`
	Trigger    decimal.Decimal `json:"trigger"`
	Vault      decimal.Decimal `json:"vault"`
}

// Total returns the sum of all shares.
func (d Distribution) Total() decimal.Decimal {
	return d.Referral.Add(d.Governance).Add(d.Trigger).Add(d.Vault)
}

// Split distributes a fee. The referral share applies only when the trader
// has a referrer, the trigger share only when a keeper fired the order;
// unused shares fold into the vault remainder.
func (s Schedule) Split(fee decimal.Decimal, hasReferrer, triggered bool) Distribution {
	var dist Distribution
	if hasReferrer {
		dist.Referral = fee.Mul(s.ReferralSharePct).Div(hundred).Round(model.UsdScale)
	}
	dist.Governance = fee.Mul(s.GovernanceSharePct).Div(hundred).Round(model.UsdScale)
	if triggered {
		dist.Trigger = fee.Mul(s.TriggerSharePct).Div(hundred).Round(model.UsdScale)
	}
	dist.Vault = fee.Sub(dist.Referral).Sub(dist.Governance).Sub(dist.Trigger)
	return dist
}
