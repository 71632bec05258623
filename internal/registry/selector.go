package registry

import (
	"strings"

	"github.com/agenthub/agenthub/pkg/models"
)

// DefaultCapability is the fallback bucket when no keyword matches.
const DefaultCapability = "defi_strategy"

// capabilityBuckets maps request keywords to the capability an agent
// must advertise to serve them. Keyword matching is deliberately simple;
// richer request classification belongs in the agents themselves.
var capabilityBuckets = []struct {
	capability string
	keywords   []string
}{
	{"defi_strategy", []string{"defi", "swap", "yield", "liquidity", "trade"}},
	{"wallet_management", []string{"wallet", "transaction", "send", "receive"}},
	{"market_analysis", []string{"predict", "forecast", "market", "trend"}},
	{"security_analysis", []string{"security", "risk", "safe", "audit"}},
	{"productivity", []string{"email", "calendar", "task", "schedule"}},
	{"impact_analysis", []string{"climate", "social", "impact", "problem"}},
}

// SelectAgents classifies the request into capability buckets and
// returns the deduplicated set of available agents across all matched
// buckets. With no keyword match, the default capability applies.
func (r *Registry) SelectAgents(req *models.Request) []string {
	content := strings.ToLower(req.Content)

	var capabilities []string
	for _, bucket := range capabilityBuckets {
		for _, kw := range bucket.keywords {
			if strings.Contains(content, kw) {
				capabilities = append(capabilities, bucket.capability)
				break
			}
		}
	}
	if len(capabilities) == 0 {
		capabilities = []string{r.defaultCapability}
	}

	seen := make(map[string]struct{})
	var selected []string
	for _, capability := range capabilities {
		for _, id := range r.availableWith(capability) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			selected = append(selected, id)
		}
	}
	return selected
}

// availableWith returns idle, under-loaded agents advertising capability.
func (r *Registry) availableWith(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, a := range r.agents {
		if !a.Available() {
			continue
		}
		for _, c := range a.Capabilities {
			if c == capability {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}
