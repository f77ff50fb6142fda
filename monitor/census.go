package monitor

import (
	"context"
	"net/http"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/golang/glog"
	rprom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Enabled true if metrics was enabled in command line
var Enabled bool

type censusMetricsCounter struct {
	nodeID      string
	ctx         context.Context
	kNodeID     tag.Key
	kJobState   tag.Key
	kErrorClass tag.Key
	kEngine     tag.Key

	mJobsPulled     *stats.Int64Measure
	mJobsCompleted  *stats.Int64Measure
	mJobsInFlight   *stats.Int64Measure
	mJobDurationSec *stats.Float64Measure
	mEngineRestarts *stats.Int64Measure
	mEngineState    *stats.Int64Measure
	mModuleRestores *stats.Int64Measure

	exporter *prometheus.Exporter
}

var census censusMetricsCounter

// InitCensus registers the worker's metrics views and the prometheus
// exporter. Must be called before any other function in this package.
func InitCensus(nodeID, version string) {
	census = censusMetricsCounter{
		nodeID:          nodeID,
		mJobsPulled:     stats.Int64("jobs_pulled_total", "Jobs pulled from the queue platform", "tot"),
		mJobsCompleted:  stats.Int64("jobs_completed_total", "Jobs finalized, tagged by terminal state and error class", "tot"),
		mJobsInFlight:   stats.Int64("jobs_in_flight", "Jobs currently submitted or running", "tot"),
		mJobDurationSec: stats.Float64("job_duration_seconds", "Wall-clock duration of finalized jobs", "sec"),
		mEngineRestarts: stats.Int64("engine_restarts_total", "Engine process restarts", "tot"),
		mEngineState:    stats.Int64("engine_state", "Current engine state as an enumerated value", "tot"),
		mModuleRestores: stats.Int64("modules_restored_total", "Extension modules installed or updated by the restorer", "tot"),
	}
	var err error
	census.kNodeID, err = tag.NewKey("node_id")
	if err != nil {
		glog.Fatal("Error creating tag key ", err)
	}
	census.kJobState = tag.MustNewKey("job_state")
	census.kErrorClass = tag.MustNewKey("error_class")
	census.kEngine = tag.MustNewKey("engine_state")

	ctx, err := tag.New(context.Background(), tag.Insert(census.kNodeID, nodeID))
	if err != nil {
		glog.Fatal("Error creating context ", err)
	}
	census.ctx = ctx

	baseTags := []tag.Key{census.kNodeID}
	views := []*view.View{
		{
			Name:        "jobs_pulled_total",
			Measure:     census.mJobsPulled,
			Description: "Jobs pulled from the queue platform",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "jobs_completed_total",
			Measure:     census.mJobsCompleted,
			Description: "Jobs finalized",
			TagKeys:     append([]tag.Key{census.kJobState, census.kErrorClass}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "jobs_in_flight",
			Measure:     census.mJobsInFlight,
			Description: "Jobs currently submitted or running",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "job_duration_seconds",
			Measure:     census.mJobDurationSec,
			Description: "Wall-clock duration of finalized jobs",
			TagKeys:     append([]tag.Key{census.kJobState}, baseTags...),
			Aggregation: view.Distribution(0, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600),
		},
		{
			Name:        "engine_restarts_total",
			Measure:     census.mEngineRestarts,
			Description: "Engine process restarts",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "engine_state",
			Measure:     census.mEngineState,
			Description: "Current engine state",
			TagKeys:     append([]tag.Key{census.kEngine}, baseTags...),
			Aggregation: view.LastValue(),
		},
		{
			Name:        "modules_restored_total",
			Measure:     census.mModuleRestores,
			Description: "Extension modules installed or updated",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
	}
	if err := view.Register(views...); err != nil {
		glog.Fatal("Error registering views ", err)
	}

	registry := rprom.NewRegistry()
	registry.MustRegister(rprom.NewProcessCollector(rprom.ProcessCollectorOpts{}))
	registry.MustRegister(rprom.NewGoCollector())
	census.exporter, err = prometheus.NewExporter(prometheus.Options{
		Namespace: "comfyworker",
		Registry:  registry,
	})
	if err != nil {
		glog.Fatal("Failed to create the Prometheus stats exporter: ", err)
	}
	view.RegisterExporter(census.exporter)
	view.SetReportingPeriod(time.Second)

	glog.Infof("Worker metrics initialized nodeID=%s version=%s", nodeID, version)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler {
	return census.exporter
}

func JobPulled() {
	if !Enabled {
		return
	}
	stats.Record(census.ctx, census.mJobsPulled.M(1))
}

func JobCompleted(state, errorClass string, dur time.Duration) {
	if !Enabled {
		return
	}
	ctx, err := tag.New(census.ctx,
		tag.Insert(census.kJobState, state),
		tag.Insert(census.kErrorClass, errorClass),
	)
	if err != nil {
		glog.Error("Error creating context ", err)
		return
	}
	stats.Record(ctx, census.mJobsCompleted.M(1), census.mJobDurationSec.M(dur.Seconds()))
}

func JobsInFlight(n int) {
	if !Enabled {
		return
	}
	stats.Record(census.ctx, census.mJobsInFlight.M(int64(n)))
}

func EngineRestarted() {
	if !Enabled {
		return
	}
	stats.Record(census.ctx, census.mEngineRestarts.M(1))
}

func EngineState(state string) {
	if !Enabled {
		return
	}
	ctx, err := tag.New(census.ctx, tag.Insert(census.kEngine, state))
	if err != nil {
		glog.Error("Error creating context ", err)
		return
	}
	stats.Record(ctx, census.mEngineState.M(1))
}

func ModulesRestored(n int) {
	if !Enabled {
		return
	}
	stats.Record(census.ctx, census.mModuleRestores.M(int64(n)))
}
