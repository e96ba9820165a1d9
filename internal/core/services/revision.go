package services

import "sync/atomic"

// RevisionSource hands out monotonically increasing cache revisions. A
// writer takes a revision only after its work has completed, so revisions
// order cache writes by completion time rather than issue time.
//
// One instance is shared by every writer to a given cache.
type RevisionSource struct {
	n atomic.Uint64
}

// NewRevisionSource creates a revision source starting at zero.
func NewRevisionSource() *RevisionSource {
	return &RevisionSource{}
}

// Next returns the next revision.
func (r *RevisionSource) Next() uint64 {
	return r.n.Add(1)
}
