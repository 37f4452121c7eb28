package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and batch processing.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	unitOutcomes     = make(map[string]int64)
	batchOutcomes    = make(map[string]int64)
	bundleOutcomes   = make(map[string]int64)
	finalizeOutcomes = make(map[string]int64)
	tasksHandled     = make(map[taskKey]int64)

	conversionMsSum   int64
	conversionMsCount int64

	retentionBatchesDeleted int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type taskKey struct {
	Kind    string
	Success string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordUnit counts a unit reaching a terminal outcome
// (completed, failed or timeout) and how long its conversion took.
func RecordUnit(outcome string, conversionMs int64) {
	mu.Lock()
	defer mu.Unlock()
	unitOutcomes[outcome]++
	conversionMsSum += conversionMs
	conversionMsCount++
}

// RecordBatch counts a batch reaching a terminal status.
func RecordBatch(status string) {
	mu.Lock()
	defer mu.Unlock()
	batchOutcomes[status]++
}

// RecordBundle counts archive builds by outcome (ready, failed).
func RecordBundle(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	bundleOutcomes[outcome]++
}

// RecordFinalize counts finalization attempts by outcome, e.g.
// skipped_pending, already_terminal, committed, lost_race.
func RecordFinalize(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	finalizeOutcomes[outcome]++
}

// RecordTask counts queue deliveries handled by the runner.
func RecordTask(kind string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	s := "false"
	if success {
		s = "true"
	}
	tasksHandled[taskKey{Kind: kind, Success: s}]++
}

// RecordRetentionBatches increments the counter of batches deleted by
// TTL cleanup.
func RecordRetentionBatches(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionBatchesDeleted += deleted
}

func writeLabeled(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, k, values[k])
	}
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP docbatch_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE docbatch_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "docbatch_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP docbatch_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE docbatch_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP docbatch_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE docbatch_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "docbatch_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "docbatch_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	writeLabeled(&b, "docbatch_units_total", "Units reaching a terminal outcome", "outcome", unitOutcomes)

	b.WriteString("# HELP docbatch_conversion_duration_ms_sum Total conversion time in milliseconds\n")
	b.WriteString("# TYPE docbatch_conversion_duration_ms_sum counter\n")
	fmt.Fprintf(&b, "docbatch_conversion_duration_ms_sum %d\n", conversionMsSum)
	b.WriteString("# HELP docbatch_conversion_duration_ms_count Conversions measured\n")
	b.WriteString("# TYPE docbatch_conversion_duration_ms_count counter\n")
	fmt.Fprintf(&b, "docbatch_conversion_duration_ms_count %d\n", conversionMsCount)

	writeLabeled(&b, "docbatch_batches_total", "Batches reaching a terminal status", "status", batchOutcomes)
	writeLabeled(&b, "docbatch_bundles_total", "Bundle builds by outcome", "outcome", bundleOutcomes)
	writeLabeled(&b, "docbatch_finalize_total", "Finalization attempts by outcome", "outcome", finalizeOutcomes)

	b.WriteString("# HELP docbatch_tasks_total Queue tasks handled by kind\n")
	b.WriteString("# TYPE docbatch_tasks_total counter\n")
	var tKeys []taskKey
	for k := range tasksHandled {
		tKeys = append(tKeys, k)
	}
	sort.Slice(tKeys, func(i, j int) bool {
		if tKeys[i].Kind != tKeys[j].Kind {
			return tKeys[i].Kind < tKeys[j].Kind
		}
		return tKeys[i].Success < tKeys[j].Success
	})
	for _, k := range tKeys {
		fmt.Fprintf(&b, "docbatch_tasks_total{kind=\"%s\",success=\"%s\"} %d\n", k.Kind, k.Success, tasksHandled[k])
	}

	b.WriteString("# HELP docbatch_retention_batches_deleted_total Total batches deleted by TTL\n")
	b.WriteString("# TYPE docbatch_retention_batches_deleted_total counter\n")
	fmt.Fprintf(&b, "docbatch_retention_batches_deleted_total %d\n", retentionBatchesDeleted)

	return b.String()
}
