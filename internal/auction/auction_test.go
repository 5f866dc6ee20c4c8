package auction

import (
	"testing"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/events"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/ledger"
	"github.com/NakaSato/gridtokenx-anchor-sub005/internal/market"
)

const (
	batchStart int64 = 1_700_000_000
	batchEnd   int64 = batchStart + 900
)

type capture struct {
	events []events.Event
}

func (c *capture) Emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *capture) find(typ events.Type) (events.Event, bool) {
	for _, e := range c.events {
		if e.Type == typ {
			return e, true
		}
	}
	return events.Event{}, false
}

func newTestBatch(t *testing.T) (*Batch, *ledger.Ledger, *capture) {
	t.Helper()
	l := ledger.New()
	m, err := market.NewMarket("grid-main", "authority", "fees", "wheeling", 25)
	if err != nil {
		t.Fatalf("NewMarket: %v", err)
	}
	sink := &capture{}
	b, err := NewBatch("authority", m, l, sink, 7, batchStart, batchEnd)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return b, l, sink
}

func fund(t *testing.T, l *ledger.Ledger, owner ledger.Party, asset ledger.Asset, amount uint64) {
	t.Helper()
	if err := l.Mint("test.fund", owner, asset, amount); err != nil {
		t.Fatalf("fund %s: %v", owner, err)
	}
}

func TestNewBatchAuthorityOnly(t *testing.T) {
	l := ledger.New()
	m, _ := market.NewMarket("grid-main", "authority", "fees", "wheeling", 25)
	_, err := NewBatch("mallory", m, l, nil, 1, batchStart, batchEnd)
	if !errs.HasCode(err, errs.CodeUnauthorized) {
		t.Fatalf("want unauthorized, got %v", err)
	}
	_, err = NewBatch("authority", m, l, nil, 1, batchEnd, batchStart)
	if !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("want invalid window, got %v", err)
	}
}

func TestSubmitLocksVault(t *testing.T) {
	b, l, _ := newTestBatch(t)
	fund(t, l, "buyer", ledger.AssetCurrency, 1_000)
	fund(t, l, "seller", ledger.AssetEnergy, 100)

	bid, err := b.Submit("buyer", 50, 10, true, batchStart+1)
	if err != nil {
		t.Fatalf("Submit bid: %v", err)
	}
	if bid.LockedRemaining() != 500 {
		t.Fatalf("bid locked=%d want 500", bid.LockedRemaining())
	}
	if got := l.VaultBalance(7, ledger.AssetCurrency); got != 500 {
		t.Fatalf("currency vault=%d want 500", got)
	}

	ask, err := b.Submit("seller", 40, 6, false, batchStart+2)
	if err != nil {
		t.Fatalf("Submit ask: %v", err)
	}
	if ask.LockedRemaining() != 40 {
		t.Fatalf("ask locked=%d want 40", ask.LockedRemaining())
	}
	if got := l.VaultBalance(7, ledger.AssetEnergy); got != 40 {
		t.Fatalf("energy vault=%d want 40", got)
	}
}

func TestSubmitGuards(t *testing.T) {
	b, l, _ := newTestBatch(t)
	fund(t, l, "buyer", ledger.AssetCurrency, 10)

	if _, err := b.Submit("buyer", 50, 10, true, batchStart+1); !errs.HasCode(err, errs.CodeInsufficientBalance) {
		t.Fatalf("underfunded bid accepted: %v", err)
	}
	if _, err := b.Submit("buyer", 1, 1, true, batchEnd); !errs.HasCode(err, errs.CodeState) {
		t.Fatalf("late submission accepted: %v", err)
	}
	if _, err := b.Submit("buyer", 0, 1, true, batchStart+1); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("zero amount accepted: %v", err)
	}
}

func TestSubmitBatchCap(t *testing.T) {
	b, l, _ := newTestBatch(t)
	fund(t, l, "buyer", ledger.AssetCurrency, 10_000)

	for i := 0; i < MaxOrders; i++ {
		if _, err := b.Submit("buyer", 1, 1, true, batchStart+1); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := b.Submit("buyer", 1, 1, true, batchStart+1); !errs.HasCode(err, errs.CodeState) {
		t.Fatalf("over-cap submission accepted: %v", err)
	}
	// Cancelling frees a slot.
	if err := b.Cancel("buyer", 0, batchStart+2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := b.Submit("buyer", 1, 1, true, batchStart+3); err != nil {
		t.Fatalf("submit after cancel: %v", err)
	}
}

func TestCancelRefundsVault(t *testing.T) {
	b, l, _ := newTestBatch(t)
	fund(t, l, "buyer", ledger.AssetCurrency, 500)

	bid, _ := b.Submit("buyer", 50, 10, true, batchStart+1)
	if err := b.Cancel("buyer", bid.Seq, batchStart+2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := l.AvailableBalance("buyer", ledger.AssetCurrency); got != 500 {
		t.Fatalf("refund=%d want 500", got)
	}
	if err := b.Cancel("buyer", bid.Seq, batchStart+3); !errs.HasCode(err, errs.CodeState) {
		t.Fatalf("double cancel accepted: %v", err)
	}
	if err := b.Cancel("mallory", bid.Seq, batchStart+3); !errs.HasCode(err, errs.CodeUnauthorized) {
		t.Fatalf("foreign cancel accepted: %v", err)
	}
}

// The clearing walk pairs the best bids with the cheapest asks; the uniform
// price is the ask price of the last crossing pair.
func TestResolveUniformClearing(t *testing.T) {
	b, l, sink := newTestBatch(t)
	fund(t, l, "b1", ledger.AssetCurrency, 500)
	fund(t, l, "b2", ledger.AssetCurrency, 240)
	fund(t, l, "s1", ledger.AssetEnergy, 40)
	fund(t, l, "s2", ledger.AssetEnergy, 20)

	b.Submit("b1", 50, 10, true, batchStart+1)
	b.Submit("b2", 30, 8, true, batchStart+2)
	b.Submit("s1", 40, 6, false, batchStart+3)
	b.Submit("s2", 20, 9, false, batchStart+4)

	if err := b.Resolve(batchEnd); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.ClearingPrice() != 9 {
		t.Fatalf("clearing price=%d want 9", b.ClearingPrice())
	}
	if b.ClearingVolume() != 50 {
		t.Fatalf("clearing volume=%d want 50", b.ClearingVolume())
	}
	orders := b.Orders()
	if orders[0].Matched != 50 {
		t.Fatalf("b1 matched=%d want 50", orders[0].Matched)
	}
	if orders[1].Matched != 0 {
		t.Fatalf("b2 matched=%d want 0", orders[1].Matched)
	}
	if orders[2].Matched != 40 || orders[3].Matched != 10 {
		t.Fatalf("ask allocations=%d/%d want 40/10", orders[2].Matched, orders[3].Matched)
	}
	evt, ok := sink.find(events.TypeAuctionResolved)
	if !ok {
		t.Fatal("no resolved event")
	}
	payload := evt.Payload.(events.AuctionResolved)
	if payload.ClearingPrice != 9 || payload.ClearingVolume != 50 {
		t.Fatalf("event payload=%+v", payload)
	}
}

func TestResolveGuards(t *testing.T) {
	b, _, _ := newTestBatch(t)
	if err := b.Resolve(batchStart + 10); !errs.HasCode(err, errs.CodeState) {
		t.Fatalf("premature resolve accepted: %v", err)
	}
	if err := b.Resolve(batchEnd); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Empty batch clears at zero volume and settles immediately.
	if b.State() != StateSettled {
		t.Fatalf("state=%s want settled", b.State())
	}
	if err := b.Resolve(batchEnd); !errs.HasCode(err, errs.CodeState) {
		t.Fatalf("double resolve accepted: %v", err)
	}
}

func TestResolveTieBreaksBySubmission(t *testing.T) {
	b, l, _ := newTestBatch(t)
	fund(t, l, "b1", ledger.AssetCurrency, 100)
	fund(t, l, "s1", ledger.AssetEnergy, 10)
	fund(t, l, "s2", ledger.AssetEnergy, 10)

	b.Submit("b1", 10, 10, true, batchStart+1)
	// Same ask price; the earlier submission fills first.
	b.Submit("s1", 10, 5, false, batchStart+2)
	b.Submit("s2", 10, 5, false, batchStart+3)

	if err := b.Resolve(batchEnd); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	orders := b.Orders()
	if orders[1].Matched != 10 || orders[2].Matched != 0 {
		t.Fatalf("allocations=%d/%d want 10/0", orders[1].Matched, orders[2].Matched)
	}
}

func TestFullBatchLifecycle(t *testing.T) {
	b, l, sink := newTestBatch(t)
	fund(t, l, "b1", ledger.AssetCurrency, 500)
	fund(t, l, "b2", ledger.AssetCurrency, 240)
	fund(t, l, "s1", ledger.AssetEnergy, 40)
	fund(t, l, "s2", ledger.AssetEnergy, 20)

	b.Submit("b1", 50, 10, true, batchStart+1) // bids seq 0,1; asks seq 2,3
	b.Submit("b2", 30, 8, true, batchStart+2)
	b.Submit("s1", 40, 6, false, batchStart+3)
	b.Submit("s2", 20, 9, false, batchStart+4)
	if err := b.Resolve(batchEnd); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	trade, err := b.ExecuteSettlement("authority", 0, 2, 40, 0, batchEnd+1)
	if err != nil {
		t.Fatalf("settle pair 1: %v", err)
	}
	if trade.Price != 9 || trade.TotalValue != 360 {
		t.Fatalf("trade=%+v", trade)
	}
	if b.State() != StateCleared {
		t.Fatalf("state=%s want cleared mid-crank", b.State())
	}

	if _, err := b.ExecuteSettlement("authority", 0, 3, 10, 0, batchEnd+2); err != nil {
		t.Fatalf("settle pair 2: %v", err)
	}
	if b.State() != StateSettled {
		t.Fatalf("state=%s want settled", b.State())
	}

	// Sellers receive the uniform price (fee rounds to zero at this scale).
	if got := l.AvailableBalance("s1", ledger.AssetCurrency); got != 360 {
		t.Fatalf("s1 proceeds=%d want 360", got)
	}
	if got := l.AvailableBalance("s2", ledger.AssetCurrency); got != 90 {
		t.Fatalf("s2 proceeds=%d want 90", got)
	}
	// The buyer gets energy plus the bid surplus (50 kWh at 10 bid vs 9 clearing).
	if got := l.AvailableBalance("b1", ledger.AssetEnergy); got != 50 {
		t.Fatalf("b1 energy=%d want 50", got)
	}
	if got := l.AvailableBalance("b1", ledger.AssetCurrency); got != 50 {
		t.Fatalf("b1 surplus=%d want 50", got)
	}
	// Unmatched orders refund in full at close.
	if got := l.AvailableBalance("b2", ledger.AssetCurrency); got != 240 {
		t.Fatalf("b2 refund=%d want 240", got)
	}
	if got := l.AvailableBalance("s2", ledger.AssetEnergy); got != 10 {
		t.Fatalf("s2 energy refund=%d want 10", got)
	}
	// Vaults drain to zero.
	if got := l.VaultBalance(7, ledger.AssetCurrency); got != 0 {
		t.Fatalf("currency vault=%d want 0", got)
	}
	if got := l.VaultBalance(7, ledger.AssetEnergy); got != 0 {
		t.Fatalf("energy vault=%d want 0", got)
	}
	// Conservation.
	if got := l.TotalSupply(ledger.AssetCurrency); got != 740 {
		t.Fatalf("currency supply=%d want 740", got)
	}
	if got := l.TotalSupply(ledger.AssetEnergy); got != 60 {
		t.Fatalf("energy supply=%d want 60", got)
	}

	if _, ok := sink.find(events.TypeBatchClosed); !ok {
		t.Fatal("no batch closed event")
	}
}

func TestExecuteSettlementGuards(t *testing.T) {
	b, l, _ := newTestBatch(t)
	fund(t, l, "b1", ledger.AssetCurrency, 100)
	fund(t, l, "s1", ledger.AssetEnergy, 10)

	b.Submit("b1", 10, 10, true, batchStart+1)
	b.Submit("s1", 10, 10, false, batchStart+2)

	if _, err := b.ExecuteSettlement("authority", 0, 1, 10, 0, batchStart+3); !errs.HasCode(err, errs.CodeState) {
		t.Fatalf("settlement before clearing accepted: %v", err)
	}
	if err := b.Resolve(batchEnd); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := b.ExecuteSettlement("mallory", 0, 1, 10, 0, batchEnd+1); !errs.HasCode(err, errs.CodeUnauthorized) {
		t.Fatalf("foreign crank accepted: %v", err)
	}
	if _, err := b.ExecuteSettlement("authority", 0, 1, 11, 0, batchEnd+1); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("over-allocation settle accepted: %v", err)
	}
	if _, err := b.ExecuteSettlement("authority", 1, 0, 10, 0, batchEnd+1); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("side-swapped settle accepted: %v", err)
	}
	if _, err := b.ExecuteSettlement("authority", 0, 1, 10, 0, batchEnd+1); err != nil {
		t.Fatalf("valid settle rejected: %v", err)
	}
}

func TestNoCrossRefundsEverything(t *testing.T) {
	b, l, _ := newTestBatch(t)
	fund(t, l, "b1", ledger.AssetCurrency, 50)
	fund(t, l, "s1", ledger.AssetEnergy, 10)

	b.Submit("b1", 10, 5, true, batchStart+1)
	b.Submit("s1", 10, 8, false, batchStart+2)

	if err := b.Resolve(batchEnd); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.State() != StateSettled {
		t.Fatalf("state=%s want settled", b.State())
	}
	if got := l.AvailableBalance("b1", ledger.AssetCurrency); got != 50 {
		t.Fatalf("b1 refund=%d want 50", got)
	}
	if got := l.AvailableBalance("s1", ledger.AssetEnergy); got != 10 {
		t.Fatalf("s1 refund=%d want 10", got)
	}
}
