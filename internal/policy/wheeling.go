// Package policy evaluates the grid operator's wheeling charge rules.
// Rules are JavaScript programs so operators can change tariff logic
// without redeploying the settlement service.
package policy

import (
	"fmt"
	"math"
	"sync"

	"github.com/dop251/goja"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
)

// DefaultWheelingScript charges nothing inside one grid zone and a flat two
// minor units per kWh across zones.
const DefaultWheelingScript = `
function wheeling(input) {
    if (input.buyerZone === input.sellerZone) {
        return 0;
    }
    return Math.floor(input.amount * 2);
}
`

// Input describes one prospective trade for the wheeling rule.
type Input struct {
	Amount     uint64 `json:"amount"`
	Price      uint64 `json:"price"`
	TotalValue uint64 `json:"totalValue"`
	BuyerZone  string `json:"buyerZone"`
	SellerZone string `json:"sellerZone"`
}

// WheelingPolicy computes the wheeling charge for a trade.
type WheelingPolicy interface {
	Charge(in Input) (uint64, error)
}

// Script is a goja-backed wheeling policy. The program is compiled once; a
// mutex serializes evaluation because goja runtimes are single-threaded.
type Script struct {
	mu sync.Mutex
	vm *goja.Runtime
	fn goja.Callable
}

// Compile builds a wheeling policy from JavaScript source. The source must
// define a function named wheeling(input) returning a non-negative integer.
func Compile(source string) (*Script, error) {
	const op = "policy.Compile"
	program, err := goja.Compile("wheeling.js", source, true)
	if err != nil {
		return nil, errs.New(op, errs.CodePolicy,
			errs.WithMessage("wheeling script does not compile"),
			errs.WithCause(err))
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := vm.RunProgram(program); err != nil {
		return nil, errs.New(op, errs.CodePolicy,
			errs.WithMessage("wheeling script failed to initialize"),
			errs.WithCause(err))
	}
	fn, ok := goja.AssertFunction(vm.Get("wheeling"))
	if !ok {
		return nil, errs.New(op, errs.CodePolicy,
			errs.WithMessage("wheeling script must define wheeling(input)"))
	}
	return &Script{vm: vm, fn: fn}, nil
}

// Charge evaluates the rule for one trade. The result must be a non-negative
// integer no greater than the trade value.
func (s *Script) Charge(in Input) (uint64, error) {
	const op = "policy.Charge"
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := s.fn(goja.Undefined(), s.vm.ToValue(in))
	if err != nil {
		return 0, errs.New(op, errs.CodePolicy,
			errs.WithMessage("wheeling rule threw"),
			errs.WithCause(err))
	}
	f := value.ToFloat()
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < 0 {
		return 0, errs.New(op, errs.CodePolicy,
			errs.WithMessage("wheeling rule must return a non-negative integer"),
			errs.WithMeta("result", fmt.Sprintf("%v", value)))
	}
	charge := uint64(f)
	if charge > in.TotalValue {
		return 0, errs.New(op, errs.CodePolicy,
			errs.WithMessage("wheeling charge exceeds trade value"),
			errs.WithMeta("charge", fmt.Sprintf("%d", charge)),
			errs.WithMeta("total", fmt.Sprintf("%d", in.TotalValue)))
	}
	return charge, nil
}

// Zero is a policy that never charges, for markets without wheeling.
type Zero struct{}

// Charge implements WheelingPolicy.
func (Zero) Charge(Input) (uint64, error) { return 0, nil }
