package market

import (
	"strconv"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/numeric"
)

// settlementPlan builds the movement plan for one continuous-mode trade and
// the trade record describing it. The plan's legs, applied together:
//
//	buyer escrow  -> seller      total - fee - wheeling  (currency)
//	buyer escrow  -> fee collector          fee          (currency)
//	buyer escrow  -> wheeling collector     wheeling     (currency)
//	buyer escrow  -> buyer       bid surplus refund      (currency)
//	seller escrow -> buyer       amount                  (energy)
func settlementPlan(op string, m *Market, buy, sell *Order, amount, wheeling uint64, now int64) ([]ledger.Movement, Trade, error) {
	total, ok := ledger.CheckedMul(amount, sell.Price)
	if !ok {
		return nil, Trade{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("trade value overflows"))
	}
	fee := numeric.Bps(total, m.FeeBps())
	deductions, ok := ledger.CheckedAdd(fee, wheeling)
	if !ok || deductions > total {
		return nil, Trade{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("fee and wheeling exceed trade value"),
			errs.WithMeta("total", strconv.FormatUint(total, 10)),
			errs.WithMeta("fee", strconv.FormatUint(fee, 10)),
			errs.WithMeta("wheeling", strconv.FormatUint(wheeling, 10)))
	}
	surplus, ok := ledger.CheckedMul(amount, buy.Price-sell.Price)
	if !ok {
		return nil, Trade{}, errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("bid surplus overflows"))
	}
	plan := []ledger.Movement{
		{
			From:   ledger.Escrow(buy.Owner, ledger.AssetCurrency),
			To:     ledger.Available(sell.Owner, ledger.AssetCurrency),
			Amount: total - deductions,
		},
		{
			From:   ledger.Escrow(buy.Owner, ledger.AssetCurrency),
			To:     ledger.Available(m.FeeCollector, ledger.AssetCurrency),
			Amount: fee,
		},
		{
			From:   ledger.Escrow(buy.Owner, ledger.AssetCurrency),
			To:     ledger.Available(m.WheelingCollector, ledger.AssetCurrency),
			Amount: wheeling,
		},
		{
			From:   ledger.Escrow(buy.Owner, ledger.AssetCurrency),
			To:     ledger.Available(buy.Owner, ledger.AssetCurrency),
			Amount: surplus,
		},
		{
			From:   ledger.Escrow(sell.Owner, ledger.AssetEnergy),
			To:     ledger.Available(buy.Owner, ledger.AssetEnergy),
			Amount: amount,
		},
	}
	trade := Trade{
		Venue:       VenueOrderBook,
		BuyOrderID:  buy.ID.String(),
		SellOrderID: sell.ID.String(),
		Buyer:       buy.Owner,
		Seller:      sell.Owner,
		Amount:      amount,
		Price:       sell.Price,
		TotalValue:  total,
		Fee:         fee,
		Wheeling:    wheeling,
		ExecutedAt:  now,
	}
	return plan, trade, nil
}

func itoa64(v uint64) string { return strconv.FormatUint(v, 10) }
