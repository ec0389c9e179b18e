package collaboration

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	activeConnections atomic.Int64
	activeDocuments   atomic.Int64

	_ = metrics.NewGauge("docsync_connections_active", func() float64 {
		return float64(activeConnections.Load())
	})
	_ = metrics.NewGauge("docsync_documents_active", func() float64 {
		return float64(activeDocuments.Load())
	})

	connectionsOpenedTotal = metrics.NewCounter("docsync_connections_opened_total")
	connectionsClosedTotal = metrics.NewCounter("docsync_connections_closed_total")
	authFailuresTotal      = metrics.NewCounter("docsync_auth_failures_total")
	messagesReceivedTotal  = metrics.NewCounter("docsync_messages_received_total")

	updatesAppliedTotal  = metrics.NewCounter("docsync_updates_applied_total")
	updatesRejectedTotal = metrics.NewCounter(`docsync_updates_rejected_total{reason="readonly"}`)
	remoteUpdatesTotal   = metrics.NewCounter("docsync_remote_updates_applied_total")

	documentsLoadedTotal   = metrics.NewCounter("docsync_documents_loaded_total")
	documentsUnloadedTotal = metrics.NewCounter("docsync_documents_unloaded_total")
	documentsStoredTotal   = metrics.NewCounter("docsync_documents_stored_total")

	protocolErrorsTotal  = metrics.NewCounter(`docsync_errors_total{kind="protocol"}`)
	storageErrorsTotal   = metrics.NewCounter(`docsync_errors_total{kind="storage"}`)
	hookErrorsTotal      = metrics.NewCounter(`docsync_errors_total{kind="hook"}`)
	transportErrorsTotal = metrics.NewCounter(`docsync_errors_total{kind="transport"}`)
	broadcastErrorsTotal = metrics.NewCounter(`docsync_errors_total{kind="broadcast"}`)
)
