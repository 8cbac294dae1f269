package models

// JoinOutcome is the result of recording an incoming edge at a join node.
type JoinOutcome string

const (
	// JoinWaiting means some incoming edges are still unsettled, or the join already fired.
	JoinWaiting JoinOutcome = "waiting"
	// JoinReady is returned exactly once, to the arrival that settles the last edge
	// when at least one edge arrived live.
	JoinReady JoinOutcome = "ready"
	// JoinDead is returned exactly once when every incoming edge was pruned.
	JoinDead JoinOutcome = "dead"
)

// JoinState is the barrier bookkeeping for one node in one execution.
type JoinState struct {
	ExecutionID string   `json:"execution_id"`
	NodeID      string   `json:"node_id"`
	InDegree    int      `json:"in_degree"`
	Arrived     []string `json:"arrived"`
	Pruned      []string `json:"pruned"`
	Fired       bool     `json:"fired"`
}

func (s *JoinState) has(edgeKey string) bool {
	for _, k := range s.Arrived {
		if k == edgeKey {
			return true
		}
	}

	for _, k := range s.Pruned {
		if k == edgeKey {
			return true
		}
	}

	return false
}

// Record settles edgeKey and returns the resulting outcome. Recording the same edge twice
// is idempotent, so a redelivered continuation cannot fire the join twice.
func (s *JoinState) Record(edgeKey string, pruned bool) JoinOutcome {
	if s.Fired || s.has(edgeKey) {
		return JoinWaiting
	}

	if pruned {
		s.Pruned = append(s.Pruned, edgeKey)
	} else {
		s.Arrived = append(s.Arrived, edgeKey)
	}

	if len(s.Arrived)+len(s.Pruned) < s.InDegree {
		return JoinWaiting
	}

	s.Fired = true

	if len(s.Arrived) == 0 {
		return JoinDead
	}

	return JoinReady
}
