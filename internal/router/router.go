// Package router maps task types to queue names using a static table.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"wipsie-worker/internal/config"
)

// Route binds a task type pattern to a queue. A pattern ending in "*"
// matches every task type with that prefix.
type Route struct {
	Pattern string `json:"task_type"`
	Queue   string `json:"queue"`
}

// Construction errors.
var (
	ErrEmptyDefaultQueue = errors.New("default queue is required")
	ErrInvalidRoute      = errors.New("invalid route")
)

type prefixRoute struct {
	prefix string
	queue  string
}

// Router resolves task types to queues. It is immutable after New and safe
// for concurrent use.
type Router struct {
	defaultQueue string
	exact        map[string]string
	prefixes     []prefixRoute // longest prefix first
	table        []Route
}

// New builds a router. Later routes with the same pattern replace earlier ones.
func New(defaultQueue string, routes []Route) (*Router, error) {
	if defaultQueue == "" {
		return nil, ErrEmptyDefaultQueue
	}

	r := &Router{
		defaultQueue: defaultQueue,
		exact:        make(map[string]string, len(routes)),
	}
	prefixes := make(map[string]string)

	for _, rt := range routes {
		if rt.Pattern == "" || rt.Queue == "" {
			return nil, fmt.Errorf("%w: %q -> %q", ErrInvalidRoute, rt.Pattern, rt.Queue)
		}
		if p, ok := strings.CutSuffix(rt.Pattern, "*"); ok {
			prefixes[p] = rt.Queue
		} else {
			r.exact[rt.Pattern] = rt.Queue
		}
		r.table = append(r.table, rt)
	}

	for p, q := range prefixes {
		r.prefixes = append(r.prefixes, prefixRoute{prefix: p, queue: q})
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i].prefix) != len(r.prefixes[j].prefix) {
			return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
		}
		return r.prefixes[i].prefix < r.prefixes[j].prefix
	})

	return r, nil
}

// FromConfig builds a router from the routing section of the configuration.
func FromConfig(cfg config.RoutingConfig) (*Router, error) {
	routes := make([]Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		routes = append(routes, Route{Pattern: rc.TaskType, Queue: rc.Queue})
	}
	return New(cfg.DefaultQueue, routes)
}

// Route returns the queue for taskType. Exact matches win over prefixes;
// unmatched types go to the default queue.
func (r *Router) Route(taskType string) string {
	if q, ok := r.exact[taskType]; ok {
		return q
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(taskType, p.prefix) {
			return p.queue
		}
	}
	return r.defaultQueue
}

// DefaultQueue returns the fallback queue.
func (r *Router) DefaultQueue() string {
	return r.defaultQueue
}

// Table returns a copy of the configured routes.
func (r *Router) Table() []Route {
	out := make([]Route, len(r.table))
	copy(out, r.table)
	return out
}
