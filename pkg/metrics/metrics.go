package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InstructionsTotal counts executed instructions by market, operation and result
var InstructionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fixedterm_instructions_total",
		Help: "Total number of market instructions executed",
	},
	[]string{"market", "op", "result"},
)

// InstructionLatency records latency distribution for instruction execution
var InstructionLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fixedterm_instruction_latency_seconds",
		Help:    "Latency in seconds to execute a market instruction",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"market", "op"},
)

// Matching and settlement metrics
var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_orders_placed_total",
			Help: "Total number of orders accepted by the matching engine",
		},
		[]string{"market", "side"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_fills_total",
			Help: "Total number of fill events produced",
		},
		[]string{"market"},
	)

	EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_events_consumed_total",
			Help: "Total number of events settled by ConsumeEvents",
		},
		[]string{"market", "kind"},
	)

	EventsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_events_skipped_total",
			Help: "Total number of events skipped during settlement",
		},
		[]string{"market", "kind"},
	)

	EventQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixedterm_event_queue_depth",
			Help: "Number of unconsumed events in the market event queue",
		},
		[]string{"market"},
	)

	AdapterDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_adapter_dropped_total",
			Help: "Events dropped because an adapter queue was full",
		},
		[]string{"market"},
	)
)

// Crank metrics
var (
	CrankRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_crank_runs_total",
			Help: "Total number of crank iterations by task and result",
		},
		[]string{"market", "task", "result"},
	)

	CrankLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixedterm_crank_leader",
			Help: "1 when this process holds the crank lease",
		},
		[]string{"market"},
	)
)

// Durability metrics
var (
	JournalSeq = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fixedterm_journal_seq",
			Help: "Sequence of the last journaled instruction",
		},
		[]string{"market"},
	)

	Checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_checkpoints_total",
			Help: "Total number of market checkpoints by result",
		},
		[]string{"market", "result"},
	)

	ReplayedInstructions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_replayed_instructions_total",
			Help: "Instructions re-applied from the journal at startup",
		},
		[]string{"market"},
	)
)

// Messaging metrics
var (
	MessagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_messages_consumed_total",
			Help: "Instruction messages read from the broker by result",
		},
		[]string{"topic", "result"},
	)

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixedterm_messages_published_total",
			Help: "Messages written to the broker",
		},
		[]string{"topic"},
	)
)

// Websocket feed metrics
var (
	FeedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixedterm_feed_clients",
			Help: "Connected websocket feed clients",
		},
	)

	FeedDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fixedterm_feed_dropped_total",
			Help: "Feed messages dropped for slow websocket clients",
		},
	)
)

func init() {
	prometheus.MustRegister(InstructionsTotal, InstructionLatency)
	prometheus.MustRegister(OrdersPlaced, Fills, EventsConsumed, EventsSkipped, EventQueueDepth, AdapterDropped)
	prometheus.MustRegister(CrankRuns, CrankLeader)
	prometheus.MustRegister(JournalSeq, Checkpoints, ReplayedInstructions)
	prometheus.MustRegister(MessagesConsumed, MessagesPublished)
	prometheus.MustRegister(FeedClients, FeedDropped)
}

// ObserveInstruction records the outcome and latency of one instruction.
func ObserveInstruction(market, op string, start time.Time, category string) {
	result := "ok"
	if category != "" {
		result = category
	}
	InstructionsTotal.WithLabelValues(market, op, result).Inc()
	InstructionLatency.WithLabelValues(market, op).Observe(time.Since(start).Seconds())
}
