package events

import (
	"github.com/gobwas/glob"
)

// ClusterFilter restricts which events a cluster registration receives.
// Zero value matches everything.
type ClusterFilter struct {
	// Labels are glob patterns matched against the transaction label.
	// Empty means any label, including the empty one.
	Labels []string

	// Nodes restricts delivery to events originating on these nodes.
	// Empty means any node.
	Nodes []uint64
}

// compiledFilter is the registration-time form of a ClusterFilter with the
// glob patterns pre-compiled.
type compiledFilter struct {
	labels []glob.Glob
	nodes  map[uint64]struct{}
}

func compileFilter(f ClusterFilter) (*compiledFilter, error) {
	cf := &compiledFilter{}
	for _, pattern := range f.Labels {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		cf.labels = append(cf.labels, g)
	}
	if len(f.Nodes) > 0 {
		cf.nodes = make(map[uint64]struct{}, len(f.Nodes))
		for _, n := range f.Nodes {
			cf.nodes[n] = struct{}{}
		}
	}
	return cf, nil
}

func (cf *compiledFilter) matches(ev Event) bool {
	if cf.nodes != nil {
		if _, ok := cf.nodes[ev.NodeID]; !ok {
			return false
		}
	}
	if len(cf.labels) == 0 {
		return true
	}
	for _, g := range cf.labels {
		if g.Match(ev.Label) {
			return true
		}
	}
	return false
}
