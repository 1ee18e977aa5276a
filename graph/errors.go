package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds. The typed errors below unwrap to one of these.
var (
	ErrCycleDetected = errors.New("cycle detected")
	ErrNoPath        = errors.New("no path")
	ErrNodeNotFound  = errors.New("node not found")
	ErrEdgeNotFound  = errors.New("edge not found")
	ErrMissingNodes  = errors.New("missing nodes")
)

// CycleDetectedError carries the first cycle found, closed on its starting node.
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleDetectedError) Unwrap() error { return ErrCycleDetected }

// NoPathError reports that To is unreachable from From.
type NoPathError struct {
	From string
	To   string
}

func (e *NoPathError) Error() string {
	return fmt.Sprintf("%s from %s to %s", ErrNoPath, e.From, e.To)
}

func (e *NoPathError) Unwrap() error { return ErrNoPath }

// NodeNotFoundError reports an unknown node id.
type NodeNotFoundError struct {
	ID string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrNodeNotFound, e.ID)
}

func (e *NodeNotFoundError) Unwrap() error { return ErrNodeNotFound }

// EdgeNotFoundError reports an unknown edge.
type EdgeNotFoundError struct {
	From string
	To   string
}

func (e *EdgeNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrEdgeNotFound, e.From, e.To)
}

func (e *EdgeNotFoundError) Unwrap() error { return ErrEdgeNotFound }

// MissingNodesError lists every requested id absent from the graph.
type MissingNodesError struct {
	IDs []string
}

func (e *MissingNodesError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingNodes, strings.Join(e.IDs, ", "))
}

func (e *MissingNodesError) Unwrap() error { return ErrMissingNodes }

func idString[K any](id K) string {
	return fmt.Sprint(id)
}

func idStrings[K any](ids []K) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = idString(id)
	}
	return out
}
