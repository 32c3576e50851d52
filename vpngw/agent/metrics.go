/*
 * Copyright (c) The Kumo Project
 * Apache License, Version 2.0 (see LICENSE or https://www.apache.org/licenses/LICENSE-2.0.txt)
 * SPDX-License-Identifier: Apache-2.0
 */

package agent

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kumo-cloud/kumo-vpngw/vpngw/common/klog"
)

const PrometheusNamespace = "kumo_vpngw"

// Exporter publishes per-cycle reconcile observations.
type Exporter struct {
	cycles           prometheus.Counter
	stepFailures     prometheus.Counter
	rulesRemoved     prometheus.Counter
	broadRemoved     prometheus.Counter
	unexpectedRoutes prometheus.Counter
	peerRoutes       prometheus.Counter
	lastCycle        prometheus.Gauge
}

func NewExporter() *Exporter {
	e := &Exporter{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Name:      "reconcile_cycles_total",
			Help:      "Completed reconcile cycles.",
		}),
		stepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Name:      "step_failures_total",
			Help:      "Recoverable per-step failures across all cycles.",
		}),
		rulesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Name:      "policy_rules_removed_total",
			Help:      "Interfering policy-routing rules removed.",
		}),
		broadRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Name:      "broad_routes_removed_total",
			Help:      "Broad link-local routes removed.",
		}),
		unexpectedRoutes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Name:      "unexpected_routes_removed_total",
			Help:      "Unexpected link-local routes removed.",
		}),
		peerRoutes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Name:      "peer_routes_ensured_total",
			Help:      "BGP peer routes installed by the enforcer.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: PrometheusNamespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix timestamp of the last completed cycle.",
		}),
	}

	prometheus.MustRegister(e.cycles, e.stepFailures, e.rulesRemoved,
		e.broadRemoved, e.unexpectedRoutes, e.peerRoutes, e.lastCycle)
	return e
}

func (e *Exporter) ObserveCycle(summary EnforcementSummary, stepFailures int) {
	e.cycles.Inc()
	e.stepFailures.Add(float64(stepFailures))
	if summary.RuleRemoved {
		e.rulesRemoved.Inc()
	}
	if summary.BroadRouteRemoved {
		e.broadRemoved.Inc()
	}
	e.unexpectedRoutes.Add(float64(summary.UnexpectedRoutesRemoved))
	e.peerRoutes.Add(float64(summary.PeerRoutesEnsured))
	e.lastCycle.Set(float64(time.Now().Unix()))
}

// Serve exposes /metrics; a listener failure is loud but not fatal, the
// agent keeps reconciling without observability.
func (e *Exporter) Serve(address string) {
	http.Handle("/metrics", promhttp.Handler())
	klog.Infof("Serving metrics on %s", address)
	err := http.ListenAndServe(address, nil)
	if err != nil {
		klog.Errorf("Metrics listener stopped: %s", err)
	}
}
