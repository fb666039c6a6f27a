// Package mocks provides in-memory fakes of the backend driver and transaction
// log contracts. Tests drive the coordinator against these to script failures
// deterministically; nothing here talks to a network.
package mocks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sharedcode/duet"
)

// MockGraphDriver keeps nodes in a map and interprets the compiled graph
// commands the coordinator emits: MERGE upserts, MATCH ... SET updates,
// MATCH ... DETACH DELETE removes and MATCH ... RETURN reads.
type MockGraphDriver struct {
	mu      sync.Mutex
	nodes   map[string]duet.Record
	queries []string

	// FailOn, when set, is consulted before each command executes; a non-nil
	// return is surfaced as that command's failure.
	FailOn func(query string, params map[string]any) error
	// PingErr fails Ping when set.
	PingErr error
	closed  bool
}

var _ duet.GraphDriver = (*MockGraphDriver)(nil)

func NewMockGraphDriver() *MockGraphDriver {
	return &MockGraphDriver{nodes: map[string]duet.Record{}}
}

func (d *MockGraphDriver) Execute(ctx context.Context, query string, params map[string]any) ([]duet.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("graph driver is closed")
	}
	d.queries = append(d.queries, query)
	if d.FailOn != nil {
		if err := d.FailOn(query, params); err != nil {
			return nil, err
		}
	}

	entity := entityOf(query)
	key := map[string]any{}
	for k, v := range params {
		if strings.HasPrefix(k, "k_") {
			key[strings.TrimPrefix(k, "k_")] = v
		}
	}
	id := nodeID(entity, key)

	switch {
	case strings.HasPrefix(query, "MERGE "):
		node, ok := d.nodes[id]
		if !ok {
			node = duet.Record{}
			for k, v := range key {
				node[k] = v
			}
		}
		mergeProps(node, params)
		d.nodes[id] = node
		return nil, nil

	case strings.Contains(query, "SET n += $props"):
		node, ok := d.nodes[id]
		if !ok {
			// A MATCH miss writes nothing, like the real store.
			return nil, nil
		}
		mergeProps(node, params)
		d.nodes[id] = node
		return nil, nil

	case strings.Contains(query, "DETACH DELETE"):
		delete(d.nodes, id)
		return nil, nil

	case strings.Contains(query, "RETURN n"):
		node, ok := d.nodes[id]
		if !ok {
			return nil, nil
		}
		out := duet.Record{}
		for k, v := range node {
			out[k] = v
		}
		return []duet.Record{out}, nil
	}
	return nil, fmt.Errorf("unrecognized graph command %q", query)
}

func (d *MockGraphDriver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("graph driver is closed")
	}
	return d.PingErr
}

// SetPingErr swaps the Ping failure. Unlike assigning the field it serializes
// with concurrent Ping calls, e.g. from a running health monitor.
func (d *MockGraphDriver) SetPingErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PingErr = err
}

func (d *MockGraphDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Node returns a copy of the node stored under the entity and key, if any.
func (d *MockGraphDriver) Node(entity string, key map[string]any) (duet.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.nodes[nodeID(entity, key)]
	if !ok {
		return nil, false
	}
	out := duet.Record{}
	for k, v := range node {
		out[k] = v
	}
	return out, true
}

// NodeCount reports how many nodes the store holds.
func (d *MockGraphDriver) NodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.nodes)
}

// Queries returns every command executed so far, in order.
func (d *MockGraphDriver) Queries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.queries))
	copy(out, d.queries)
	return out
}

func mergeProps(node duet.Record, params map[string]any) {
	props, ok := params["props"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range props {
		node[k] = v
	}
}

func entityOf(query string) string {
	i := strings.Index(query, "(n:")
	if i < 0 {
		return ""
	}
	rest := query[i+3:]
	if j := strings.IndexAny(rest, " )"); j >= 0 {
		return rest[:j]
	}
	return rest
}

func nodeID(entity string, key map[string]any) string {
	fields := make([]string, 0, len(key))
	for k := range key {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	var b strings.Builder
	b.WriteString(entity)
	for _, f := range fields {
		fmt.Fprintf(&b, "|%s=%v", f, key[f])
	}
	return b.String()
}
