// Package observability centralises Prometheus metric registration for the
// gateway. Each component grabs its metric group lazily; registration happens
// exactly once per process.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hypertuna"

// DispatchMetricsSet tracks job assignment outcomes and peer health.
type DispatchMetricsSet struct {
	Assignments     *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	OpenCircuits    prometheus.Gauge
	InFlightJobs    prometheus.Gauge
	AssignmentScore prometheus.Histogram
}

// EdgeMetricsSet tracks the public HTTPS and websocket surface.
type EdgeMetricsSet struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	TunnelBytes       *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RateLimited       prometheus.Counter
}

// TokenMetricsSet tracks the token service.
type TokenMetricsSet struct {
	Issued      prometheus.Counter
	Refreshed   prometheus.Counter
	Revoked     prometheus.Counter
	VerifyTotal *prometheus.CounterVec
}

// VaultMetricsSet tracks lease vault occupancy and turnover.
type VaultMetricsSet struct {
	ActiveLeases prometheus.Gauge
	Tracked      prometheus.Counter
	Released     *prometheus.CounterVec
}

// MirrorMetricsSet tracks the blind-peer mirror.
type MirrorMetricsSet struct {
	Active         prometheus.Gauge
	BytesAllocated prometheus.Gauge
	TrustedPeers   prometheus.Gauge
	BlocksStored   prometheus.Counter
	BlocksServed   prometheus.Counter
}

// DiscoveryMetricsSet tracks swarm announcements and probes.
type DiscoveryMetricsSet struct {
	Announcements prometheus.Counter
	ProbesServed  *prometheus.CounterVec
	RebuildErrors prometheus.Counter
}

// RegistryMetricsSet tracks relay registrations and liveness sweeps.
type RegistryMetricsSet struct {
	RegisteredRelays prometheus.Gauge
	LivePeers        prometheus.Gauge
	StaleEvictions   prometheus.Counter
	ResolveTotal     *prometheus.CounterVec
}

var (
	dispatchOnce    sync.Once
	dispatchMetrics *DispatchMetricsSet

	edgeOnce    sync.Once
	edgeMetrics *EdgeMetricsSet

	tokenOnce    sync.Once
	tokenMetrics *TokenMetricsSet

	vaultOnce    sync.Once
	vaultMetrics *VaultMetricsSet

	mirrorOnce    sync.Once
	mirrorMetrics *MirrorMetricsSet

	discoveryOnce    sync.Once
	discoveryMetrics *DiscoveryMetricsSet

	registryOnce    sync.Once
	registryMetrics *RegistryMetricsSet
)

// DispatchMetrics returns the dispatcher metric group, registering it on first use.
func DispatchMetrics() *DispatchMetricsSet {
	dispatchOnce.Do(func() {
		dispatchMetrics = &DispatchMetricsSet{
			Assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "assignments_total",
				Help:      "Jobs assigned to relay peers, labelled by relay key.",
			}, []string{"relay"}),
			Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "rejections_total",
				Help:      "Jobs rejected without assignment, labelled by reason.",
			}, []string{"reason"}),
			Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "failures_total",
				Help:      "Failed job completions, labelled by reason.",
			}, []string{"reason"}),
			OpenCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "open_circuits",
				Help:      "Peers currently excluded by an open circuit breaker.",
			}),
			InFlightJobs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "in_flight_jobs",
				Help:      "Jobs assigned but not yet acknowledged or failed.",
			}),
			AssignmentScore: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "assignment_score",
				Help:      "Composite score of the peer chosen for each assignment.",
				Buckets:   prometheus.ExponentialBuckets(25, 2, 10),
			}),
		}
		prometheus.MustRegister(
			dispatchMetrics.Assignments,
			dispatchMetrics.Rejections,
			dispatchMetrics.Failures,
			dispatchMetrics.OpenCircuits,
			dispatchMetrics.InFlightJobs,
			dispatchMetrics.AssignmentScore,
		)
	})
	return dispatchMetrics
}

// EdgeMetrics returns the public edge metric group, registering it on first use.
func EdgeMetrics() *EdgeMetricsSet {
	edgeOnce.Do(func() {
		edgeMetrics = &EdgeMetricsSet{
			ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "edge",
				Name:      "active_connections",
				Help:      "Websocket tunnels currently open.",
			}),
			ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "edge",
				Name:      "connections_total",
				Help:      "Websocket connection attempts, labelled by outcome.",
			}, []string{"outcome"}),
			TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "edge",
				Name:      "tunnel_bytes_total",
				Help:      "Bytes pumped through relay tunnels, labelled by direction.",
			}, []string{"direction"}),
			AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "edge",
				Name:      "auth_failures_total",
				Help:      "Rejected credentials on the edge, labelled by reason.",
			}, []string{"reason"}),
			RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "edge",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route and status.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "status"}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "edge",
				Name:      "rate_limited_total",
				Help:      "Requests refused by the edge rate limiter.",
			}),
		}
		prometheus.MustRegister(
			edgeMetrics.ActiveConnections,
			edgeMetrics.ConnectionsTotal,
			edgeMetrics.TunnelBytes,
			edgeMetrics.AuthFailures,
			edgeMetrics.RequestDuration,
			edgeMetrics.RateLimited,
		)
	})
	return edgeMetrics
}

// TokenMetrics returns the token service metric group, registering it on first use.
func TokenMetrics() *TokenMetricsSet {
	tokenOnce.Do(func() {
		tokenMetrics = &TokenMetricsSet{
			Issued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "issued_total",
				Help:      "Tokens issued.",
			}),
			Refreshed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "refreshed_total",
				Help:      "Tokens rotated through refresh.",
			}),
			Revoked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "revoked_total",
				Help:      "Tokens revoked.",
			}),
			VerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "token",
				Name:      "verify_total",
				Help:      "Verification outcomes, labelled valid or the rejection reason.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			tokenMetrics.Issued,
			tokenMetrics.Refreshed,
			tokenMetrics.Revoked,
			tokenMetrics.VerifyTotal,
		)
	})
	return tokenMetrics
}

// VaultMetrics returns the lease vault metric group, registering it on first use.
func VaultMetrics() *VaultMetricsSet {
	vaultOnce.Do(func() {
		vaultMetrics = &VaultMetricsSet{
			ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "active_leases",
				Help:      "Leases currently held in memory.",
			}),
			Tracked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "tracked_total",
				Help:      "Leases accepted into the vault.",
			}),
			Released: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "released_total",
				Help:      "Leases released, labelled by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(vaultMetrics.ActiveLeases, vaultMetrics.Tracked, vaultMetrics.Released)
	})
	return vaultMetrics
}

// MirrorMetrics returns the blind-peer mirror metric group, registering it on first use.
func MirrorMetrics() *MirrorMetricsSet {
	mirrorOnce.Do(func() {
		mirrorMetrics = &MirrorMetricsSet{
			Active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mirror",
				Name:      "active",
				Help:      "1 while the blind-peer mirror is running.",
			}),
			BytesAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mirror",
				Name:      "bytes_allocated",
				Help:      "Bytes of mirrored block data on disk.",
			}),
			TrustedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mirror",
				Name:      "trusted_peers",
				Help:      "Entries on the trusted peer allowlist.",
			}),
			BlocksStored: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mirror",
				Name:      "blocks_stored_total",
				Help:      "Blocks written to the mirror store.",
			}),
			BlocksServed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mirror",
				Name:      "blocks_served_total",
				Help:      "Blocks read back out of the mirror store.",
			}),
		}
		prometheus.MustRegister(
			mirrorMetrics.Active,
			mirrorMetrics.BytesAllocated,
			mirrorMetrics.TrustedPeers,
			mirrorMetrics.BlocksStored,
			mirrorMetrics.BlocksServed,
		)
	})
	return mirrorMetrics
}

// DiscoveryMetrics returns the discovery advertiser metric group, registering it on first use.
func DiscoveryMetrics() *DiscoveryMetricsSet {
	discoveryOnce.Do(func() {
		discoveryMetrics = &DiscoveryMetricsSet{
			Announcements: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "announcements_total",
				Help:      "Announcements published to the swarm.",
			}),
			ProbesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "probes_served_total",
				Help:      "Inbound probe requests answered, labelled cached or fresh.",
			}, []string{"source"}),
			RebuildErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "rebuild_errors_total",
				Help:      "Failures while rebuilding the signed announcement.",
			}),
		}
		prometheus.MustRegister(
			discoveryMetrics.Announcements,
			discoveryMetrics.ProbesServed,
			discoveryMetrics.RebuildErrors,
		)
	})
	return discoveryMetrics
}

// RegistryMetrics returns the relay registry metric group, registering it on first use.
func RegistryMetrics() *RegistryMetricsSet {
	registryOnce.Do(func() {
		registryMetrics = &RegistryMetricsSet{
			RegisteredRelays: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "registered_relays",
				Help:      "Relays currently registered.",
			}),
			LivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "live_peers",
				Help:      "Relay peers with a fresh heartbeat.",
			}),
			StaleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "stale_evictions_total",
				Help:      "Peers evicted after missing heartbeats.",
			}),
			ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "resolve_total",
				Help:      "Relay resolution attempts, labelled by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			registryMetrics.RegisteredRelays,
			registryMetrics.LivePeers,
			registryMetrics.StaleEvictions,
			registryMetrics.ResolveTotal,
		)
	})
	return registryMetrics
}
