/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2025 Quilt Authors. All Rights Reserved.
 */

// Package instrument exposes the Prometheus metrics of the connection core.
package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quilt"

var (
	bytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_received_total",
		Help:      "Frame bytes received, plaintext and undecryptable data included.",
	})
	bytesDecrypted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_decrypted_total",
		Help:      "Bytes successfully decrypted.",
	})
	bytesEncrypted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_encrypted_total",
		Help:      "Bytes encrypted, whether or not later transmitted.",
	})
	bytesTransmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_transmitted_total",
		Help:      "Encrypted bytes confirmed by the transport.",
	})
	noiseBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "noise_bytes_total",
		Help:      "Padding bytes added to outbound frames.",
	})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outgoing_messages_dropped_total",
		Help:      "Outbound messages dropped due to resource constraints.",
	})
	packetsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_packets_discarded_total",
		Help:      "Inbound packets discarded because the dispatch queue was full or the core was stopped.",
	})
	packetsBlacklisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_packets_blacklisted_total",
		Help:      "Inbound packets dropped because the sender is blacklisted.",
	})
	hangupSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hangup_sent_total",
		Help:      "Connections closed politely with a HANGUP message.",
	})
	shutdowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_shutdowns_total",
		Help:      "Connections shut down, by reason.",
	}, []string{"reason"})
	knapsackRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "knapsack_runs_total",
		Help:      "Outbound selection rounds, by strategy.",
	}, []string{"strategy"})
	lostSendWindow = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_window_lost_bytes_total",
		Help:      "Send-window bytes discarded at the roll-over cap.",
	})
	transportSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_switches_total",
		Help:      "Sessions upgraded to a streaming transport.",
	})
	connectionsUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_up",
		Help:      "Connections currently in the UP state.",
	})
)

func BytesReceived(n int)    { bytesReceived.Add(float64(n)) }
func BytesDecrypted(n int)   { bytesDecrypted.Add(float64(n)) }
func BytesEncrypted(n int)   { bytesEncrypted.Add(float64(n)) }
func BytesTransmitted(n int) { bytesTransmitted.Add(float64(n)) }
func NoiseBytes(n int)       { noiseBytes.Add(float64(n)) }
func MessageDropped()        { messagesDropped.Inc() }
func PacketDiscarded()       { packetsDiscarded.Inc() }
func PacketBlacklisted()     { packetsBlacklisted.Inc() }
func HangupSent()            { hangupSent.Inc() }

// Shutdown reasons, kept in sync with the error policy table.
const (
	ReasonExcessBandwidth = "excessive_bandwidth"
	ReasonNoBandwidth     = "insufficient_bandwidth"
	ReasonTimeout         = "timeout"
	ReasonConnectTimeout  = "connect_timeout"
	ReasonHangup          = "hangup_received"
	ReasonTransport       = "transport_error"
	ReasonRequested       = "requested"
)

func Shutdown(reason string)  { shutdowns.WithLabelValues(reason).Inc() }
func KnapsackExact()          { knapsackRuns.WithLabelValues("exact").Inc() }
func KnapsackGreedy()         { knapsackRuns.WithLabelValues("greedy").Inc() }
func LostSendWindow(n int64)  { lostSendWindow.Add(float64(n)) }
func TransportSwitch()        { transportSwitches.Inc() }
func SetConnectionsUp(n int)  { connectionsUp.Set(float64(n)) }
