// Package position implements the cost-basis arithmetic for outcome-token
// holdings: volume-weighted average entry prices on acquisition and
// non-negativity enforcement on disposal. The functions here are pure;
// persistence happens inside the storage layer's settlement transaction.
package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/predictr/ledger-engine/internal/model"
)

// ErrInsufficientTokens means a disposal would take a holding below zero.
// This is a fatal consistency fault: the engine reported a seller that
// does not hold what it sold. It must halt settlement of that trade and
// alert, never be silently corrected.
var ErrInsufficientTokens = errors.New("position: insufficient tokens")

// WeightedAverage recomputes the average entry price after acquiring
// quantity tokens at price. When oldQty is zero the new average is just
// the fill price.
func WeightedAverage(oldQty decimal.Decimal, oldAvg *decimal.Decimal, quantity, price decimal.Decimal) decimal.Decimal {
	if oldQty.IsZero() || oldAvg == nil {
		return price
	}
	newQty := oldQty.Add(quantity)
	return oldQty.Mul(*oldAvg).Add(quantity.Mul(price)).Div(newQty)
}

// ApplyBuy increments the matched outcome's token count on p and
// recomputes its weighted average entry price.
func ApplyBuy(p *model.Position, outcome string, quantity, price decimal.Decimal) error {
	switch outcome {
	case model.OutcomeYes:
		avg := WeightedAverage(p.YesTokens, p.AvgYesPrice, quantity, price)
		p.YesTokens = p.YesTokens.Add(quantity)
		p.AvgYesPrice = &avg
	case model.OutcomeNo:
		avg := WeightedAverage(p.NoTokens, p.AvgNoPrice, quantity, price)
		p.NoTokens = p.NoTokens.Add(quantity)
		p.AvgNoPrice = &avg
	default:
		return fmt.Errorf("position: unknown outcome %q", outcome)
	}
	return nil
}

// ApplySell decrements the matched outcome's token count on p. The
// average entry price of the remaining tokens is unchanged. Returns
// ErrInsufficientTokens if the holding would go negative.
func ApplySell(p *model.Position, outcome string, quantity decimal.Decimal) error {
	switch outcome {
	case model.OutcomeYes:
		if p.YesTokens.LessThan(quantity) {
			return fmt.Errorf("%w: have %s YES, selling %s", ErrInsufficientTokens, p.YesTokens, quantity)
		}
		p.YesTokens = p.YesTokens.Sub(quantity)
	case model.OutcomeNo:
		if p.NoTokens.LessThan(quantity) {
			return fmt.Errorf("%w: have %s NO, selling %s", ErrInsufficientTokens, p.NoTokens, quantity)
		}
		p.NoTokens = p.NoTokens.Sub(quantity)
	default:
		return fmt.Errorf("position: unknown outcome %q", outcome)
	}
	return nil
}
