// Package operator implements the Operator/Control Plane (spec.md §4.6): a
// registered set of component command addresses driven concurrently through
// the shared lifecycle, with asynchronous job tracking and a per-component
// last-known-state cache kept up to date from every command response.
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package operator

import "sort"

// Component is one registered node: where to reach its command listener,
// what role it plays in the pipeline, and where it falls in the Start/Stop
// ordering (spec.md §4.6: "ordered by start_order for Start, reverse for
// Stop").
type Component struct {
	ID             string
	CommandAddress string
	Role           string
	StartOrder     int
}

func byStartOrderAsc(components []Component) []Component {
	out := append([]Component(nil), components...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartOrder < out[j].StartOrder })
	return out
}

func byStartOrderDesc(components []Component) []Component {
	out := append([]Component(nil), components...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartOrder > out[j].StartOrder })
	return out
}
