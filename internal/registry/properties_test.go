package registry

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const (
	opAuthorize = iota
	opDeauthorize
	opTransfer
	opAuthorizeAsStranger
	opCount
)

// addrPool is small so generated sequences hit duplicates, removals of absent
// members and transfers to existing members. Slot 0 is the zero address.
const addrPool = 12

func poolAddr(i int) Address {
	if i == 0 {
		return ZeroAddress
	}
	return addr(i)
}

// model is the reference set the registry is compared against.
type model struct {
	owner   Address
	members map[Address]struct{}
}

// TestRegistryProperties drives random operation sequences against a Registry
// and a map-based model and checks the registry invariants after every step.
func TestRegistryProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	properties.Property("registry matches set model under random operations", prop.ForAll(
		func(ops []int) string {
			owner := poolAddr(1)
			reg, err := New("prop", owner)
			if err != nil {
				return err.Error()
			}
			m := model{owner: owner, members: map[Address]struct{}{owner: {}}}

			for step, op := range ops {
				kind, target := op%opCount, poolAddr(op/opCount)
				before := reg.Snapshot()

				var opErr error
				switch kind {
				case opAuthorize:
					_, opErr = reg.Authorize(m.owner, target)
					if opErr == nil {
						m.members[target] = struct{}{}
					}
				case opDeauthorize:
					_, opErr = reg.Deauthorize(m.owner, target)
					if opErr == nil {
						delete(m.members, target)
					}
				case opTransfer:
					_, opErr = reg.TransferOwnership(m.owner, target)
					if opErr == nil {
						m.owner = target
						m.members[target] = struct{}{}
					}
				case opAuthorizeAsStranger:
					stranger := poolAddr(addrPool + 1)
					if _, err := reg.Authorize(stranger, target); err == nil {
						return fmt.Sprintf("step %d: stranger authorized %s", step, target.Hex())
					}
					opErr = ErrUnauthorized
				}

				if msg := checkAgainstModel(reg, m); msg != "" {
					return fmt.Sprintf("step %d (op %d): %s", step, kind, msg)
				}
				if opErr != nil {
					after := reg.Snapshot()
					if fmt.Sprint(before.Members) != fmt.Sprint(after.Members) ||
						before.Owner != after.Owner || before.Version != after.Version {
						return fmt.Sprintf("step %d: failed op %d mutated state", step, kind)
					}
				}
			}
			return ""
		},
		gen.SliceOf(gen.IntRange(0, opCount*addrPool-1)),
	))

	properties.TestingRun(t)
}

func checkAgainstModel(reg *Registry, m model) string {
	if err := reg.Verify(); err != nil {
		return "verify: " + err.Error()
	}
	if reg.Owner() != m.owner {
		return fmt.Sprintf("owner %s, model %s", reg.Owner().Hex(), m.owner.Hex())
	}
	if !reg.IsAuthorized(m.owner) {
		return "owner not authorized"
	}
	members := reg.Members()
	if len(members) != reg.Count() {
		return fmt.Sprintf("count %d, members %d", reg.Count(), len(members))
	}
	if len(members) != len(m.members) {
		return fmt.Sprintf("members %d, model %d", len(members), len(m.members))
	}
	rebuilt := make(map[Address]int, len(members))
	for i, a := range members {
		if _, dup := rebuilt[a]; dup {
			return "duplicate " + a.Hex()
		}
		rebuilt[a] = i
		if _, ok := m.members[a]; !ok {
			return "unexpected member " + a.Hex()
		}
	}
	for i := 0; i <= addrPool+1; i++ {
		a := poolAddr(i)
		_, want := m.members[a]
		if reg.IsAuthorized(a) != want {
			return fmt.Sprintf("IsAuthorized(%s) = %v, model %v", a.Hex(), !want, want)
		}
	}
	return ""
}
