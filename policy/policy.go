// Package policy implements the off-chain selection scoring used by workers
// to decide whether a task is worth bidding on, and by the collaboration
// orchestrator to assemble teams. It combines capability match, reputation,
// workload headroom and recent history into a single composite in [0,1].
package policy

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/openagora/agora/types"
)

// Weights of the selection composite.
const (
	capabilityWeight = 0.40
	reputationWeight = 0.25
	workloadWeight   = 0.15
	historyWeight    = 0.20
)

// Score is the per-agent scoring breakdown for one task.
type Score struct {
	Agent     common.Address `json:"agent"`
	Composite float64        `json:"composite"`
	CapScore  float64        `json:"cap_score"`
	RepScore  float64        `json:"rep_score"`
	LoadScore float64        `json:"load_score"`
	HistScore float64        `json:"hist_score"`
	Matched   []string       `json:"matched"` // Required tags the agent covers
}

// ScoreAgent computes S(A,T) for one agent against a required capability
// set. An agent covering none of the required tags scores zero and is
// excluded from selection by callers.
func ScoreAgent(agent *types.Agent, requiredCaps []string, lMax int) Score {
	s := Score{Agent: agent.Address}
	if len(requiredCaps) == 0 {
		return s
	}

	weightSum := 0
	for _, tag := range requiredCaps {
		if w, ok := agent.CapabilityWeight(tag); ok {
			s.Matched = append(s.Matched, tag)
			weightSum += w
		}
	}
	if len(s.Matched) == 0 {
		return s
	}

	// Average matched weight, discounted for partial coverage: a full-cover
	// agent keeps its average, a half-cover agent keeps 75% of it.
	coverage := float64(len(s.Matched)) / float64(len(requiredCaps))
	s.CapScore = float64(weightSum) / float64(len(s.Matched)) / 100.0 * (0.5 + 0.5*coverage)

	s.RepScore = float64(agent.Reputation) / 100.0

	s.LoadScore = 1.0 - float64(agent.Workload)/float64(lMax)
	if s.LoadScore < 0 {
		s.LoadScore = 0
	}

	if agent.TasksCompleted >= 1 {
		done := float64(agent.TasksCompleted) / 20.0
		if done > 1 {
			done = 1
		}
		avg := float64(agent.AverageHistoryScore()) / 20.0 // T on a 0–5 scale
		s.HistScore = 0.4*done + 0.6*avg/5.0
	} else {
		s.HistScore = 0.5
	}

	s.Composite = capabilityWeight*s.CapScore +
		reputationWeight*s.RepScore +
		workloadWeight*s.LoadScore +
		historyWeight*s.HistScore
	return s
}

// CapabilityMatchPct is the percentage of required tags the agent covers.
func CapabilityMatchPct(agent *types.Agent, requiredCaps []string) int {
	if len(requiredCaps) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range requiredCaps {
		if _, ok := agent.CapabilityWeight(tag); ok {
			matched++
		}
	}
	return 100 * matched / len(requiredCaps)
}

// RankAgents scores the given agents and returns the eligible ones in
// descending composite order. Inactive agents and agents covering no
// required tag are dropped; ties keep the input order.
func RankAgents(agents []*types.Agent, requiredCaps []string, lMax int) []Score {
	scored := make([]Score, 0, len(agents))
	for _, a := range agents {
		if !a.Active {
			continue
		}
		s := ScoreAgent(a, requiredCaps, lMax)
		if len(s.Matched) == 0 {
			continue
		}
		scored = append(scored, s)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Composite > scored[j].Composite
	})
	return scored
}

// SelectTeam greedily assembles a collaboration team: iterate agents by
// descending composite, adding any agent that contributes an uncovered tag
// (or when the team is still empty), until the requirement set is covered or
// the cap is reached. If tags remain uncovered at that point, the top-ranked
// leftovers fill the remaining slots. Agents at their workload cap are never
// drafted.
func SelectTeam(agents []*types.Agent, requiredCaps []string, lMax, maxTeam int) []common.Address {
	byAddr := make(map[common.Address]*types.Agent, len(agents))
	for _, a := range agents {
		byAddr[a.Address] = a
	}

	ranked := RankAgents(agents, requiredCaps, lMax)
	required := mapset.NewSet[string](requiredCaps...)
	covered := mapset.NewSet[string]()
	team := make([]common.Address, 0, maxTeam)
	drafted := mapset.NewSet[common.Address]()

	for _, s := range ranked {
		if len(team) >= maxTeam || covered.Equal(required) {
			break
		}
		if byAddr[s.Agent].Workload >= lMax {
			continue
		}
		contributes := mapset.NewSet[string](s.Matched...).Difference(covered).Cardinality() > 0
		if len(team) == 0 || contributes {
			team = append(team, s.Agent)
			drafted.Add(s.Agent)
			covered = covered.Union(mapset.NewSet[string](s.Matched...))
		}
	}

	// Requirement still uncovered: take the best remaining agents up to the cap.
	if !covered.Equal(required) {
		for _, s := range ranked {
			if len(team) >= maxTeam {
				break
			}
			if drafted.Contains(s.Agent) || byAddr[s.Agent].Workload >= lMax {
				continue
			}
			team = append(team, s.Agent)
			drafted.Add(s.Agent)
		}
	}
	return team
}
