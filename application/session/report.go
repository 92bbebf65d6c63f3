package session

import (
	"sort"

	"polystore/pkg/errors"
)

// FlushReport is the per-entity outcome of a flush. Identifiers are rendered
// as collection/key.
type FlushReport struct {
	Saved     []string         `json:"saved"`
	Deleted   []string         `json:"deleted"`
	Unchanged []string         `json:"unchanged"`
	Failures  map[string]error `json:"-"`
}

func newFlushReport() *FlushReport {
	return &FlushReport{Failures: make(map[string]error)}
}

func (r *FlushReport) record(id string, err error, done *[]string) {
	if err != nil {
		r.Failures[id] = err
		return
	}
	*done = append(*done, id)
}

// Attempted is the number of writes the flush issued
func (r *FlushReport) Attempted() int {
	return len(r.Saved) + len(r.Deleted) + len(r.Failures)
}

// FailedIDs returns the failed identifiers in sorted order
func (r *FlushReport) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failures))
	for id := range r.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Err aggregates the failures into a partial batch failure, nil when every
// write succeeded
func (r *FlushReport) Err() error {
	if r == nil {
		return nil
	}
	return errors.NewBatchError("flush", r.Attempted(), r.Failures)
}
