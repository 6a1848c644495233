package engine

import "sync"

// CycleDetector remembers, per flow, the chain of rule firings each
// rule-driven invocation descends from. A rule about to fire with a
// (rule, binding hash) pair already on its trigger's chain would loop.
// The same pair reached from an unrelated trigger in the flow is a new
// firing, not a cycle.
//
// This is separate from the store's firing claim: the claim is keyed by
// completion and survives restarts, the detector lives in memory. After a
// restart recovered invocations start fresh chains; the step quota still
// bounds them.
type CycleDetector struct {
	mu    sync.Mutex
	flows map[string]*flowLineage
}

type flowLineage struct {
	// producedBy maps a rule-driven invocation to the firing that produced it.
	producedBy map[string]*firingLink
	firings    int
}

// firingLink is one firing in a causal chain. Chains share their tails.
type firingLink struct {
	key    string
	parent *firingLink
}

func NewCycleDetector() *CycleDetector {
	return &CycleDetector{flows: make(map[string]*flowLineage)}
}

func cycleKey(ruleID, bindingHash string) string {
	return ruleID + ":" + bindingHash
}

// WouldCycle reports whether the pair already fired on the causal chain
// leading to triggerInvocation.
func (c *CycleDetector) WouldCycle(flowToken, triggerInvocation, ruleID, bindingHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl := c.flows[flowToken]
	if fl == nil {
		return false
	}
	key := cycleKey(ruleID, bindingHash)
	for link := fl.producedBy[triggerInvocation]; link != nil; link = link.parent {
		if link.key == key {
			return true
		}
	}
	return false
}

// Record extends triggerInvocation's chain with the pair and makes it the
// chain of every invocation the firing produced. Call it only after the
// firing was durably claimed, so a replayed claim does not count.
func (c *CycleDetector) Record(flowToken, triggerInvocation, ruleID, bindingHash string, produced []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl := c.flows[flowToken]
	if fl == nil {
		fl = &flowLineage{producedBy: make(map[string]*firingLink)}
		c.flows[flowToken] = fl
	}
	link := &firingLink{key: cycleKey(ruleID, bindingHash), parent: fl.producedBy[triggerInvocation]}
	for _, id := range produced {
		fl.producedBy[id] = link
	}
	fl.firings++
}

// Clear forgets a flow.
func (c *CycleDetector) Clear(flowToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flows, flowToken)
}

// FlowCount returns the number of flows with history.
func (c *CycleDetector) FlowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flows)
}

// FlowHistorySize returns the number of firings recorded for a flow.
func (c *CycleDetector) FlowHistorySize(flowToken string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fl := c.flows[flowToken]; fl != nil {
		return fl.firings
	}
	return 0
}
