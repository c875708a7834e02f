// Copyright (c) 2025 Broadcom. All Rights Reserved.
// Broadcom Confidential. The term "Broadcom" refers to Broadcom Inc.
// and/or its subsidiaries.

// Package metrics records run events as Prometheus metrics and writes them
// to a node exporter textfile.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmware/rollout/pkg/channel"
	"github.com/vmware/rollout/pkg/orchestrator"
	"github.com/vmware/rollout/pkg/plan"
)

const namespace = "rollout"

// Recorder is an orchestrator.Listener that counts steps, commands and runs.
type Recorder struct {
	orchestrator.NopListener

	registry *prometheus.Registry
	task     string
	stage    string

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.GaugeVec
	lastRun         *prometheus.GaugeVec
	stepsTotal      *prometheus.CounterVec
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	rollbacksTotal  *prometheus.CounterVec
	interventions   *prometheus.CounterVec
}

// New returns a recorder labelling every metric with task and stage.
func New(task, stage string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		task:     task,
		stage:    stage,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by final state",
			},
			[]string{"task", "stage", "state"},
		),
		runDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of the last run in seconds",
			},
			[]string{"task", "stage"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "Whether the last run completed its plan (1) or not (0)",
			},
			[]string{"task", "stage"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of steps run by plan and result",
			},
			[]string{"task", "stage", "plan", "result"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of host commands by role and result",
			},
			[]string{"task", "stage", "role", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of host commands in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"task", "stage", "role"},
		),
		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks by checkpoint band",
			},
			[]string{"task", "stage", "band"},
		),
		interventions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manual_interventions_total",
				Help:      "Total number of runs whose rollback failed",
			},
			[]string{"task", "stage"},
		),
	}

	r.registry.MustRegister(
		r.runsTotal,
		r.runDuration,
		r.lastRun,
		r.stepsTotal,
		r.commandsTotal,
		r.commandDuration,
		r.rollbacksTotal,
		r.interventions,
	)
	return r
}

// Registry returns the registry holding every metric of the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Command(role, _ string, res *channel.Result, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.commandsTotal.WithLabelValues(r.task, r.stage, role, result).Inc()
	if res != nil {
		r.commandDuration.WithLabelValues(r.task, r.stage, role).Observe(res.Duration.Seconds())
	}
}

func (r *Recorder) StepFinished(p *plan.Plan, _ int, _ *plan.Step, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.stepsTotal.WithLabelValues(r.task, r.stage, p.Name, result).Inc()
}

func (r *Recorder) Finished(report *orchestrator.Report) {
	r.runsTotal.WithLabelValues(r.task, r.stage, string(report.State)).Inc()
	r.runDuration.WithLabelValues(r.task, r.stage).Set(report.Duration.Seconds())
	if report.Err == nil {
		r.lastRun.WithLabelValues(r.task, r.stage).Set(1)
	} else {
		r.lastRun.WithLabelValues(r.task, r.stage).Set(0)
	}
	if report.RolledBack {
		r.rollbacksTotal.WithLabelValues(r.task, r.stage, string(report.Band)).Inc()
	}
	var revertErr *orchestrator.RevertError
	if errors.As(report.Err, &revertErr) {
		r.interventions.WithLabelValues(r.task, r.stage).Inc()
	}
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
