package telemetry

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dgnsrekt/gateway-relay/internal/cache"
	"github.com/dgnsrekt/gateway-relay/internal/transport"
)

// Per-shard gateway metrics. Shard labels are the decimal shard ordinal.
var (
	shardEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_shard_events",
		Help: "Total gateway events received, by shard and event type",
	}, []string{"shard", "event_type"})

	latencyHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_shard_latency_histogram",
		Help:    "Histogram of gateway heartbeat latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"shard"})

	latencyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_shard_latency",
		Help: "Most recent gateway heartbeat latency in seconds",
	}, []string{"shard"})

	// statusGauge follows the connection-status ordinal scale:
	// 0=fatally_closed 1=disconnected 2=identifying 3=resuming 4=active.
	statusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_shard_status",
		Help: "Gateway connection status ordinal (0=fatally_closed, 1=disconnected, 2=identifying, 3=resuming, 4=active)",
	}, []string{"shard"})
)

// Cache-size gauges sampled alongside the shard statistics.
var (
	cacheGuilds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_guilds",
		Help: "Cached guild count",
	}, []string{"shard"})

	cacheChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_channels",
		Help: "Cached channel count",
	}, []string{"shard"})

	cacheRoles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_roles",
		Help: "Cached role count",
	}, []string{"shard"})

	cacheMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_members",
		Help: "Cached member count",
	}, []string{"shard"})

	cachePresences = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_presences",
		Help: "Cached presence count",
	}, []string{"shard"})

	cacheVoiceStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_voice_states",
		Help: "Cached voice state count",
	}, []string{"shard"})

	cacheUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_users",
		Help: "Cached distinct user count",
	}, []string{"shard"})

	cacheUnavailableGuilds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_unavailable_guilds",
		Help: "Guilds currently flagged unavailable",
	}, []string{"shard"})

	cacheEmojis = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_emojis",
		Help: "Cached emoji count",
	}, []string{"shard"})
)

// CountEvent increments the per-event-type counter for a shard.
func CountEvent(shard, eventType string) {
	shardEvents.WithLabelValues(shard, eventType).Inc()
}

// UpdateShard records one telemetry sample for a shard: connection status,
// the first available recent latency (NaN when none, so absent samples do not
// pollute averages) and every cache statistic.
func UpdateShard(shard string, status transport.Status, latencies []time.Duration, stats cache.Stats) {
	latency := math.NaN()
	if len(latencies) > 0 {
		latency = latencies[0].Seconds()
		latencyHistogram.WithLabelValues(shard).Observe(latency)
	}
	latencyGauge.WithLabelValues(shard).Set(latency)
	statusGauge.WithLabelValues(shard).Set(float64(status))

	cacheGuilds.WithLabelValues(shard).Set(float64(stats.Guilds))
	cacheChannels.WithLabelValues(shard).Set(float64(stats.Channels))
	cacheRoles.WithLabelValues(shard).Set(float64(stats.Roles))
	cacheMembers.WithLabelValues(shard).Set(float64(stats.Members))
	cachePresences.WithLabelValues(shard).Set(float64(stats.Presences))
	cacheVoiceStates.WithLabelValues(shard).Set(float64(stats.VoiceStates))
	cacheUsers.WithLabelValues(shard).Set(float64(stats.Users))
	cacheUnavailableGuilds.WithLabelValues(shard).Set(float64(stats.UnavailableGuilds))
	cacheEmojis.WithLabelValues(shard).Set(float64(stats.Emojis))
}
