// Package ledger tracks participant balances across available funds,
// per-order escrow, and per-batch auction vaults. Every state change goes
// through an all-or-nothing movement plan so partial settlement effects
// cannot leak out of a failed operation.
package ledger

import (
	"fmt"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
)

// Asset identifies one of the two balance dimensions tracked by the core.
type Asset string

const (
	// AssetEnergy counts tokenized kWh in minor units.
	AssetEnergy Asset = "ENERGY"
	// AssetCurrency counts the payment token in minor units.
	AssetCurrency Asset = "CURRENCY"
)

// Party identifies a balance owner: a participant, the fee collector, or
// the wheeling charge collector.
type Party string

// Account addresses a single (owner, asset) balance.
type Account struct {
	Owner Party
	Asset Asset
}

// VaultKey addresses the locked pool backing one auction batch and asset.
type VaultKey struct {
	Batch uint64
	Asset Asset
}

type pocket uint8

const (
	pocketAvailable pocket = iota
	pocketEscrow
	pocketVault
)

// Slot addresses one mutable balance cell inside the ledger.
type Slot struct {
	pocket  pocket
	account Account
	vault   VaultKey
}

// Available addresses the freely spendable balance of an owner.
func Available(owner Party, asset Asset) Slot {
	return Slot{pocket: pocketAvailable, account: Account{Owner: owner, Asset: asset}}
}

// Escrow addresses the order-book escrow balance of an owner.
func Escrow(owner Party, asset Asset) Slot {
	return Slot{pocket: pocketEscrow, account: Account{Owner: owner, Asset: asset}}
}

// Vault addresses the auction vault pool for a batch and asset.
func Vault(batch uint64, asset Asset) Slot {
	return Slot{pocket: pocketVault, vault: VaultKey{Batch: batch, Asset: asset}}
}

func (s Slot) String() string {
	switch s.pocket {
	case pocketEscrow:
		return fmt.Sprintf("escrow:%s:%s", s.account.Owner, s.account.Asset)
	case pocketVault:
		return fmt.Sprintf("vault:%d:%s", s.vault.Batch, s.vault.Asset)
	default:
		return fmt.Sprintf("available:%s:%s", s.account.Owner, s.account.Asset)
	}
}

// Movement transfers Amount from one slot to another as part of a plan.
type Movement struct {
	From   Slot
	To     Slot
	Amount uint64
}

// Ledger holds all balances managed by the settlement core. It is not safe
// for concurrent use; callers serialize access.
type Ledger struct {
	available map[Account]uint64
	escrow    map[Account]uint64
	vaults    map[VaultKey]uint64
	version   uint64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		available: make(map[Account]uint64),
		escrow:    make(map[Account]uint64),
		vaults:    make(map[VaultKey]uint64),
	}
}

// Version returns the monotonically increasing mutation counter.
func (l *Ledger) Version() uint64 { return l.version }

// AvailableBalance reports the spendable balance for an owner and asset.
func (l *Ledger) AvailableBalance(owner Party, asset Asset) uint64 {
	return l.available[Account{Owner: owner, Asset: asset}]
}

// EscrowBalance reports the order-book escrow balance for an owner and asset.
func (l *Ledger) EscrowBalance(owner Party, asset Asset) uint64 {
	return l.escrow[Account{Owner: owner, Asset: asset}]
}

// VaultBalance reports the locked pool for an auction batch and asset.
func (l *Ledger) VaultBalance(batch uint64, asset Asset) uint64 {
	return l.vaults[VaultKey{Batch: batch, Asset: asset}]
}

// TotalSupply sums an asset across every pocket. Conservation means this
// value only changes through Mint.
func (l *Ledger) TotalSupply(asset Asset) uint64 {
	var total uint64
	for acct, v := range l.available {
		if acct.Asset == asset {
			total += v
		}
	}
	for acct, v := range l.escrow {
		if acct.Asset == asset {
			total += v
		}
	}
	for key, v := range l.vaults {
		if key.Asset == asset {
			total += v
		}
	}
	return total
}

// Mint credits newly bridged-in value to an owner's available balance.
func (l *Ledger) Mint(op string, owner Party, asset Asset, amount uint64) error {
	acct := Account{Owner: owner, Asset: asset}
	next, ok := CheckedAdd(l.available[acct], amount)
	if !ok {
		return errs.New(op, errs.CodeArithmetic,
			errs.WithMessage("mint overflows available balance"),
			errs.WithMeta("owner", string(owner)),
			errs.WithMeta("asset", string(asset)))
	}
	l.available[acct] = next
	l.version++
	return nil
}

func (l *Ledger) read(s Slot) uint64 {
	switch s.pocket {
	case pocketEscrow:
		return l.escrow[s.account]
	case pocketVault:
		return l.vaults[s.vault]
	default:
		return l.available[s.account]
	}
}

func (l *Ledger) write(s Slot, v uint64) {
	switch s.pocket {
	case pocketEscrow:
		if v == 0 {
			delete(l.escrow, s.account)
			return
		}
		l.escrow[s.account] = v
	case pocketVault:
		if v == 0 {
			delete(l.vaults, s.vault)
			return
		}
		l.vaults[s.vault] = v
	default:
		if v == 0 {
			delete(l.available, s.account)
			return
		}
		l.available[s.account] = v
	}
}

// Apply validates every movement against a staged view of the ledger and
// commits only when the whole plan succeeds. On error no balance changes.
func (l *Ledger) Apply(op string, moves []Movement) error {
	staged := make(map[Slot]uint64, len(moves)*2)
	balance := func(s Slot) uint64 {
		if v, ok := staged[s]; ok {
			return v
		}
		return l.read(s)
	}
	for _, mv := range moves {
		if mv.Amount == 0 {
			continue
		}
		from := balance(mv.From)
		rem, ok := CheckedSub(from, mv.Amount)
		if !ok {
			return errs.New(op, errs.CodeInsufficientBalance,
				errs.WithMessage("movement exceeds source balance"),
				errs.WithMeta("slot", mv.From.String()),
				errs.WithMeta("have", fmt.Sprintf("%d", from)),
				errs.WithMeta("need", fmt.Sprintf("%d", mv.Amount)))
		}
		staged[mv.From] = rem
		to := balance(mv.To)
		sum, ok := CheckedAdd(to, mv.Amount)
		if !ok {
			return errs.New(op, errs.CodeArithmetic,
				errs.WithMessage("movement overflows destination balance"),
				errs.WithMeta("slot", mv.To.String()))
		}
		staged[mv.To] = sum
	}
	for slot, v := range staged {
		l.write(slot, v)
	}
	l.version++
	return nil
}
