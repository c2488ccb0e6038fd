// Package metrics registers Prometheus collectors of the sync pattern
// and decorates the change Pub/Sub with watermill's Pub/Sub metrics.
package metrics

import (
	"net/http"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campuslink/engagement/realtime"
)

const (
	labelTarget  = "target"
	labelOutcome = "outcome"
	labelEntity  = "entity"
	labelOp      = "op"
	labelMode    = "mode"

	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

func NewBuilder(registry *prometheus.Registry, namespace string) Builder {
	return Builder{
		Registry:  registry,
		Namespace: namespace,
	}
}

// Builder registers collectors on one registry.
// Registering the same collector twice returns the existing one.
type Builder struct {
	Registry  *prometheus.Registry
	Namespace string
}

// Sync counts what the optimistic sync does.
// A nil *Sync is valid and records nothing.
type Sync struct {
	mutations       *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
}

func (b Builder) Sync() (*Sync, error) {
	var err error
	m := &Sync{}

	m.mutations, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: "sync",
			Name:      "mutations_total",
			Help:      "The total number of viewer mutations by outcome",
		},
		[]string{labelTarget, labelEntity, labelOutcome},
	))
	if err != nil {
		return nil, errors.Wrap(err, "could not register mutations metric")
	}

	m.rollbacks, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: "sync",
			Name:      "rollbacks_total",
			Help:      "The total number of optimistic updates rolled back",
		},
		[]string{labelTarget, labelEntity},
	))
	if err != nil {
		return nil, errors.Wrap(err, "could not register rollbacks metric")
	}

	m.fetchFailures, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: "sync",
			Name:      "fetch_failures_total",
			Help:      "The total number of failed fetches degraded to empty results",
		},
		[]string{labelTarget, labelOp},
	))
	if err != nil {
		return nil, errors.Wrap(err, "could not register fetch failures metric")
	}

	m.reconciliations, err = b.registerCounterVec(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: b.Namespace,
			Subsystem: "sync",
			Name:      "reconciliations_total",
			Help:      "The total number of change notifications applied to local state",
		},
		[]string{labelTarget, labelMode},
	))
	if err != nil {
		return nil, errors.Wrap(err, "could not register reconciliations metric")
	}

	return m, nil
}

func (m *Sync) MutationFinished(target, entity, outcome string) {
	if m == nil {
		return
	}
	m.mutations.With(prometheus.Labels{labelTarget: target, labelEntity: entity, labelOutcome: outcome}).Inc()
}

func (m *Sync) RolledBack(target, entity string) {
	if m == nil {
		return
	}
	m.rollbacks.With(prometheus.Labels{labelTarget: target, labelEntity: entity}).Inc()
}

func (m *Sync) FetchFailed(target, op string) {
	if m == nil {
		return
	}
	m.fetchFailures.With(prometheus.Labels{labelTarget: target, labelOp: op}).Inc()
}

func (m *Sync) Reconciled(target, mode string) {
	if m == nil {
		return
	}
	m.reconciliations.With(prometheus.Labels{labelTarget: target, labelMode: mode}).Inc()
}

// DecoratePubSub adds watermill's publish and subscribe metrics to the change Pub/Sub.
func (b Builder) DecoratePubSub(pubSub *realtime.PubSub) error {
	wm := wmmetrics.NewPrometheusMetricsBuilder(b.Registry, b.Namespace, "realtime")
	return pubSub.Decorate(wm.DecoratePublisher, wm.DecorateSubscriber)
}

// Handler serves the registry in the Prometheus text format.
func (b Builder) Handler() http.Handler {
	return promhttp.HandlerFor(b.Registry, promhttp.HandlerOpts{})
}

func (b Builder) registerCounterVec(c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	err := b.Registry.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if ok {
			return existing, nil
		}
	}

	return nil, err
}
