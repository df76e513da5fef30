package consensus

import (
	"github.com/cmwaters/chorus/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("chorus/consensus")

var (
	attrDecided   = attribute.String("result", "decided")
	attrNoVotes   = attribute.String("result", "no-votes")
	attrFailed    = attribute.String("result", "failed")
	attrAgreed    = attribute.Bool("agreed", true)
	attrDisagreed = attribute.Bool("agreed", false)
)

var metrics = struct {
	rounds              metric.Int64Counter
	votes               metric.Int64Counter
	absences            metric.Int64Counter
	exclusions          metric.Int64Counter
	persistenceFailures metric.Int64Counter
	roundLatency        metric.Float64Histogram
	queryLatency        metric.Float64Histogram
}{
	rounds: measurements.Must(meter.Int64Counter(
		"chorus_rounds",
		metric.WithDescription("Number of prediction rounds run, by result."),
	)),
	votes: measurements.Must(meter.Int64Counter(
		"chorus_votes",
		metric.WithDescription("Number of votes settled, by whether they agreed with the consensus."),
	)),
	absences: measurements.Must(meter.Int64Counter(
		"chorus_absences",
		metric.WithDescription("Number of peers that did not vote in a round, by status."),
	)),
	exclusions: measurements.Must(meter.Int64Counter(
		"chorus_exclusions",
		metric.WithDescription("Number of peers excluded after running out of balance."),
	)),
	persistenceFailures: measurements.Must(meter.Int64Counter(
		"chorus_persistence_failures",
		metric.WithDescription("Number of times the ledger could not be persisted."),
	)),
	roundLatency: measurements.Must(meter.Float64Histogram(
		"chorus_round_latency",
		metric.WithDescription("The time taken by a prediction round."),
		metric.WithUnit("s"),
	)),
	queryLatency: measurements.Must(meter.Float64Histogram(
		"chorus_query_latency",
		metric.WithDescription("The time taken by a single peer query, by status."),
		metric.WithUnit("s"),
	)),
}
