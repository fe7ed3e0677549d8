package guardrail

import (
	"time"

	"github.com/mbeckett/warden/internal/registry"
)

// Halt reason codes. These travel to the registry verbatim and are kept
// distinct from free-text execution errors.
const (
	ReasonApprovalRequired = "approval_required"
	ReasonCostCapExceeded  = "cost_cap_exceeded"
	ReasonTimeCapExceeded  = "time_cap_exceeded"
)

// Decision is the outcome of one guardrail evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

func allow() Decision             { return Decision{Allow: true} }
func halt(reason string) Decision { return Decision{Reason: reason} }

func (d Decision) Halted() bool { return !d.Allow }

// Input is everything one evaluation needs. The enforcer holds no state of
// its own; it is re-run on every accounting tick so a long-running attempt
// can be halted mid-flight.
type Input struct {
	Guardrails registry.Guardrails
	Approved   bool
	CostUSD    float64
	StartedAt  *time.Time
	Now        time.Time
}

// Evaluate applies the guardrail rules in order; the first match wins:
//
//  1. approval required and no approval record → approval_required
//  2. actual cost at or over the cost cap → cost_cap_exceeded
//  3. elapsed wall time at or over the time cap → time_cap_exceeded
//  4. otherwise allow
func Evaluate(in Input) Decision {
	g := in.Guardrails

	if g.RequiresHumanApproval && !in.Approved {
		return halt(ReasonApprovalRequired)
	}

	if g.CostCapUSD != nil && in.CostUSD >= *g.CostCapUSD {
		return halt(ReasonCostCapExceeded)
	}

	if g.TimeCapMin != nil && in.StartedAt != nil {
		cap := time.Duration(*g.TimeCapMin) * time.Minute
		if in.Now.Sub(*in.StartedAt) >= cap {
			return halt(ReasonTimeCapExceeded)
		}
	}

	return allow()
}
