package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus counters for the propagation pipeline.
var (
	eventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_events_ingested_total",
		Help: "Upstream mutation events accepted for processing.",
	})

	entriesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_changelog_entries_written_total",
		Help: "Changelog entries persisted after membership gating.",
	})

	toggleRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_toggle_rejections_total",
		Help: "Sharing toggle attempts rejected by the cooldown engine.",
	}, []string{"reason"})

	groupsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_groups_deleted_total",
		Help: "Groups fully deleted by the lifecycle cascade.",
	})
)
