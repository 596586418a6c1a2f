// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics wraps prometheus registration for the engine, sync
// session, swarm, transport, and store, namespaced per conversation so
// many simultaneously open conversations don't collide on collector
// names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registerer is the minimal prometheus surface a conversation's
// metrics need to register against.
type Registerer interface {
	prometheus.Registerer
}

// Registry is a Registerer that can also be gathered directly — the
// process-wide default.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// NewRegistry returns a fresh prometheus registry.
func NewRegistry() Registry {
	return prometheus.NewRegistry()
}

// MultiGatherer fans Gather out across per-conversation sub-gatherers
// registered under a name, so a process hosting many conversations
// exposes one combined /metrics endpoint.
type MultiGatherer interface {
	prometheus.Gatherer
	Register(name string, gatherer prometheus.Gatherer) error
	Deregister(name string) bool
}

type multiGatherer struct {
	gatherers map[string]prometheus.Gatherer
}

// NewMultiGatherer returns an empty MultiGatherer.
func NewMultiGatherer() MultiGatherer {
	return &multiGatherer{gatherers: make(map[string]prometheus.Gatherer)}
}

func (mg *multiGatherer) Register(name string, gatherer prometheus.Gatherer) error {
	mg.gatherers[name] = gatherer
	return nil
}

func (mg *multiGatherer) Deregister(name string) bool {
	if _, ok := mg.gatherers[name]; !ok {
		return false
	}
	delete(mg.gatherers, name)
	return true
}

func (mg *multiGatherer) Gather() ([]*dto.MetricFamily, error) {
	var result []*dto.MetricFamily
	for _, g := range mg.gatherers {
		families, err := g.Gather()
		if err != nil {
			return nil, err
		}
		result = append(result, families...)
	}
	return result, nil
}

// ConversationMetrics is the set of counters and gauges one
// conversation's engine, sync session, and swarm report through.
type ConversationMetrics struct {
	NodesVerified   prometheus.Counter
	NodesRejected   prometheus.Counter
	NodesSpeculative prometheus.Gauge
	ReconcileRounds prometheus.Counter
	BlobChunksFetched prometheus.Counter
	BlobVerifyFailures prometheus.Counter
}

// NewConversationMetrics builds and registers a ConversationMetrics
// instance namespaced by conversation ID.
func NewConversationMetrics(namespace string, reg Registerer) (*ConversationMetrics, error) {
	m := &ConversationMetrics{
		NodesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "nodes_verified_total",
			Help: "Nodes admitted to the Verified or Interior state.",
		}),
		NodesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "nodes_rejected_total",
			Help: "Nodes permanently rejected by validation or authorization.",
		}),
		NodesSpeculative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "nodes_speculative",
			Help: "Nodes currently held in the speculative cache.",
		}),
		ReconcileRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "reconcile_rounds_total",
			Help: "IBLT reconciliation attempts across all peer sessions.",
		}),
		BlobChunksFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "chunks_fetched_total",
			Help: "Blob chunks that passed Bao slice-proof verification.",
		}),
		BlobVerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "chunk_verify_failures_total",
			Help: "Blob chunks that failed Bao slice-proof verification.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.NodesVerified, m.NodesRejected, m.NodesSpeculative,
		m.ReconcileRounds, m.BlobChunksFetched, m.BlobVerifyFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
