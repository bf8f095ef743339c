package queue

import (
	"fmt"

	"github.com/Swaathy05/new-queue-hack/internal/models"
)

const (
	PolicyNearFront  = "near-front"
	PolicyBackOfLine = "back-of-line"
)

// nearFrontSlot is where a first deferral re-enters the line under the
// near-front policy.
const nearFrontSlot = 2

// DeferralPolicy decides where a deferred entry re-enters its station's line.
// Eviction on the final deferral is handled by the engine, not the policy.
type DeferralPolicy interface {
	Name() string
	Reinsert(ledger *Ledger, deferred models.Entry) int
}

type nearFront struct{}

func (nearFront) Name() string { return PolicyNearFront }

// Reinsert puts the entry one place behind whoever is next, so it is called
// again soon without jumping the line.
func (nearFront) Reinsert(ledger *Ledger, deferred models.Entry) int {
	return ledger.InsertAt(deferred, nearFrontSlot)
}

type backOfLine struct{}

func (backOfLine) Name() string { return PolicyBackOfLine }

func (backOfLine) Reinsert(ledger *Ledger, deferred models.Entry) int {
	return ledger.Append(deferred)
}

func PolicyByName(name string) (DeferralPolicy, error) {
	switch name {
	case "", PolicyNearFront:
		return nearFront{}, nil
	case PolicyBackOfLine:
		return backOfLine{}, nil
	default:
		return nil, fmt.Errorf("unknown deferral policy %q", name)
	}
}
