package assignment

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profiles holds the routing attributes of agents and the topic vocabulary per tenant.
// Agents without a profile are routed on load alone.
type Profiles struct {
	// Tenants maps tenant ID to its routing configuration.
	Tenants map[string]TenantProfile `yaml:"tenants"`
}

// TenantProfile is the routing configuration of one tenant
type TenantProfile struct {
	// Agents maps agent ID to its routing attributes.
	Agents map[string]AgentProfile `yaml:"agents"`

	// Topics maps a topic name to keywords that select it, e.g.
	//   billing: [invoice, refund, charge]
	Topics map[string][]string `yaml:"topics"`
}

// AgentProfile describes what an agent is good at
type AgentProfile struct {
	Skills     []string `yaml:"skills"`
	Senior     bool     `yaml:"senior"`
	AutoAccept bool     `yaml:"auto_accept"`
}

// LoadProfiles reads a profiles file. An empty path yields empty profiles.
func LoadProfiles(path string) (*Profiles, error) {
	if path == "" {
		return &Profiles{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing profiles %s: %w", path, err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes profiles YAML
func ParseProfiles(data []byte) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing routing profiles: %w", err)
	}
	for tenantID, tp := range p.Tenants {
		for topic, words := range tp.Topics {
			if len(words) == 0 {
				return nil, fmt.Errorf("tenant %s: topic %q has no keywords", tenantID, topic)
			}
		}
	}
	return &p, nil
}

// Agent returns the profile of an agent, or the zero profile
func (p *Profiles) Agent(tenantID, agentID string) AgentProfile {
	if p == nil {
		return AgentProfile{}
	}
	return p.Tenants[tenantID].Agents[agentID]
}

// InferTopic returns the topic whose keywords occur most often in reason, or "" if none match.
// Ties resolve to the alphabetically first topic.
func (p *Profiles) InferTopic(tenantID, reason string) string {
	if p == nil || reason == "" {
		return ""
	}
	words := strings.FieldsFunc(strings.ToLower(reason), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	})
	seen := make(map[string]int, len(words))
	for _, w := range words {
		seen[w]++
	}

	best, bestHits := "", 0
	for topic, keywords := range p.Tenants[tenantID].Topics {
		hits := 0
		for _, k := range keywords {
			hits += seen[strings.ToLower(k)]
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && topic < best) {
			best, bestHits = topic, hits
		}
	}
	return best
}

// HasSkill reports whether the profile lists topic as a skill
func (a AgentProfile) HasSkill(topic string) bool {
	for _, s := range a.Skills {
		if strings.EqualFold(s, topic) {
			return true
		}
	}
	return false
}
