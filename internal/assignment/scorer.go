package assignment

import "github.com/dennisdiepolder/monti/handoff/internal/types"

// Score weights. Headroom dominates so load stays balanced; skills and seniority steer within it.
const (
	weightHeadroom   = 40.0
	weightSkill      = 30.0
	weightSenior     = 10.0
	weightAutoAccept = 5.0
	penaltyDeclined  = 50.0
)

// Candidate is an online agent considered for a request
type Candidate struct {
	Presence types.AgentPresence
	Profile  AgentProfile
	Declined bool
	Score    float64
}

// Scorer selects the best agent for a request
type Scorer interface {
	Select(req *types.HandoffRequest, candidates []Candidate) *Candidate
}

// WeightedScorer combines capacity headroom, skill match, seniority and auto-accept preference.
//
//	score = 40 * headroom/max + 30 * skill + 10 * senior (x2 for HIGH/URGENT) + 5 * autoAccept - 50 * declined
//
// Candidates with zero headroom are discarded. Ties go to the lowest current load, then to the agent
// who has waited longest since the last assignment.
type WeightedScorer struct{}

// Select returns the winning candidate, or nil when none has headroom
func (WeightedScorer) Select(req *types.HandoffRequest, candidates []Candidate) *Candidate {
	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if !c.Presence.CanAcceptMore() || c.Presence.Headroom() == 0 {
			continue
		}
		c.Score = score(req, c)
		if best == nil || better(c, best) {
			best = c
		}
	}
	return best
}

func score(req *types.HandoffRequest, c *Candidate) float64 {
	s := weightHeadroom * float64(c.Presence.Headroom()) / float64(c.Presence.MaxSessions)
	if req.Topic != "" && c.Profile.HasSkill(req.Topic) {
		s += weightSkill
	}
	if c.Profile.Senior {
		if req.Priority.Elevated() {
			s += 2 * weightSenior
		} else {
			s += weightSenior
		}
	}
	if c.Profile.AutoAccept {
		s += weightAutoAccept
	}
	if c.Declined {
		s -= penaltyDeclined
	}
	return s
}

func better(a, b *Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Presence.CurrentSessions != b.Presence.CurrentSessions {
		return a.Presence.CurrentSessions < b.Presence.CurrentSessions
	}
	// a never-assigned agent has the zero time and wins
	return a.Presence.LastAssignedAt.Before(b.Presence.LastAssignedAt)
}
