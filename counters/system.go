package counters

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SystemCounters are the engine-wide monotonic counters. Steady-state errors
// are absorbed into these rather than surfaced to callers: transient network
// conditions and protocol violations are visible here and nowhere else.
type SystemCounters struct {
	ShortSends             prometheus.Counter
	HeartbeatsSent         prometheus.Counter
	SetupsSent             prometheus.Counter
	StatusMessagesReceived prometheus.Counter
	NaksReceived           prometheus.Counter
	InvalidNaks            prometheus.Counter
	ProtocolViolations     prometheus.Counter
	RetransmitsSent        prometheus.Counter
	RetransmittedBytes     prometheus.Counter
	RetransmitOverflow     prometheus.Counter
	UnblockedPublications  prometheus.Counter
	PublicationsRevoked    prometheus.Counter
	MappedBytes            prometheus.Gauge
}

// NewSystemCounters registers the engine counters on reg. Pass nil to use a
// private registry, which keeps tests isolated from each other.
func NewSystemCounters(reg prometheus.Registerer) *SystemCounters {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamlog",
			Subsystem: "sender",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	mapped := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamlog",
		Subsystem: "sender",
		Name:      "mapped_bytes",
		Help:      "Bytes of log buffer currently memory mapped.",
	})
	reg.MustRegister(mapped)

	return &SystemCounters{
		ShortSends:             counter("short_sends_total", "Socket writes that accepted fewer bytes than offered."),
		HeartbeatsSent:         counter("heartbeats_sent_total", "Heartbeat frames emitted on idle connected publications."),
		SetupsSent:             counter("setups_sent_total", "Setup frames emitted."),
		StatusMessagesReceived: counter("status_messages_received_total", "Status messages received from receivers."),
		NaksReceived:           counter("naks_received_total", "NAK frames received."),
		InvalidNaks:            counter("invalid_naks_total", "NAK frames dropped for being malformed or out of range."),
		ProtocolViolations:     counter("protocol_violations_total", "Feedback frames dropped for carrying another session or stream id."),
		RetransmitsSent:        counter("retransmits_sent_total", "Retransmission passes serviced."),
		RetransmittedBytes:     counter("retransmitted_bytes_total", "Bytes retransmitted in response to NAKs."),
		RetransmitOverflow:     counter("retransmit_overflow_total", "NAKs dropped because the outstanding retransmit set was full."),
		UnblockedPublications:  counter("unblocked_publications_total", "Publications force-unblocked past a stalled frame."),
		PublicationsRevoked:    counter("publications_revoked_total", "Publications torn down by revoke."),
		MappedBytes:            mapped,
	}
}
