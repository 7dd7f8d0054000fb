package pdp

import (
	"sort"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
)

// FindMatchingContractForRequest returns the first offer, in input order,
// whose rule collection equals the rules requested for one of the targets.
// Equality is on rule content and counts duplicates.
func FindMatchingContractForRequest(offers []*contracts.Contract, requested map[string][]contracts.Rule) (*contracts.Contract, bool, error) {
	targets := make([]string, 0, len(requested))
	for t := range requested {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, offer := range offers {
		if offer == nil {
			continue
		}
		rules := offer.Rules()
		for _, target := range targets {
			equal, err := contracts.RulesEqual(rules, requested[target])
			if err != nil {
				return nil, false, err
			}
			if equal {
				return offer, true, nil
			}
		}
	}
	return nil, false, nil
}

// GroupByTarget indexes rules by the target they govern.
func GroupByTarget(rules []contracts.Rule) map[string][]contracts.Rule {
	out := make(map[string][]contracts.Rule)
	for _, r := range rules {
		out[r.Target] = append(out[r.Target], r)
	}
	return out
}
