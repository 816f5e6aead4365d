package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/i5heu/diffusebag/internal/testbench"
	"github.com/i5heu/diffusebag/pkg/bag"
	"github.com/i5heu/diffusebag/pkg/config"
	"github.com/i5heu/diffusebag/pkg/workload"
	"github.com/schollz/progressbar/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// BenchmarkResult holds results for one test run.
type BenchmarkResult struct {
	Implementation    string  `json:"implementation"`
	NumProducers      int     `json:"num_producers"`
	NumConsumers      int     `json:"num_consumers"`
	NumAdmitted       int64   `json:"num_admitted"`
	NumTaken          int64   `json:"num_taken"`
	NumRejected       int64   `json:"num_rejected"`
	NumStagingEvicted uint64  `json:"num_staging_evicted"`
	NumMainEvicted    uint64  `json:"num_main_evicted"`
	AveragePriority   float64 `json:"average_priority"` // of the main stage at the end of the run
	TestDuration      string  `json:"test_duration"`    // e.g. "10s"
	ActualElapsed     string  `json:"actual_elapsed"`   // measured time
	Throughput        float64 `json:"throughput_items_sec"`
	Timestamp         int64   `json:"timestamp"`
	GoVersion         string  `json:"go_version"`
}

// SystemInfo holds system information.
type SystemInfo struct {
	NumCPU            int     `json:"num_cpu"`
	TrueCPU           int     `json:"true_cpu,omitempty"`
	SimulatedCPUCount int     `json:"simulated_cpu_count,omitempty"`
	CPUModel          string  `json:"cpu_model,omitempty"`
	CPUSpeedMHz       float64 `json:"cpu_speed_mhz,omitempty"`
	GOARCH            string  `json:"go_arch"`
	TotalMemory       uint64  `json:"total_memory_bytes,omitempty"`
}

// FullReport represents a complete test session.
type FullReport struct {
	SessionTime string            `json:"session_time"`
	SystemInfo  SystemInfo        `json:"system_info"`
	Benchmarks  []BenchmarkResult `json:"benchmarks"`
}

type benchBag = bag.Bag[int, struct{}]

// Implementation is one named bag configuration under test.
type Implementation struct {
	name        string
	description string
	features    []string
	// transferEvery is passed to the harness for configurations whose
	// transfers are driven by the caller.
	transferEvery int
	cfg           func() config.Config
}

func (impl Implementation) newBag(seed uint64) (*benchBag, error) {
	return bag.New[int, struct{}](impl.cfg(), bag.WithRand(rand.NewPCG(seed, seed+1)))
}

// outputMarkdownTable loads the JSON file and outputs a Markdown table.
func outputMarkdownTable(jsonFile string) {
	data, err := os.ReadFile(jsonFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading JSON file %q: %v\n", jsonFile, err)
		os.Exit(1)
	}
	var sessions []FullReport
	if err := json.Unmarshal(data, &sessions); err != nil {
		fmt.Fprintf(os.Stderr, "Error unmarshalling JSON: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(os.Stderr, "No sessions found in JSON.")
		os.Exit(1)
	}
	lastSession := sessions[len(sessions)-1]
	implMetaMap := make(map[string]Implementation)
	for _, impl := range getImplementations() {
		implMetaMap[impl.name] = impl
	}
	type tableRow struct {
		implementation string
		features       string
		throughput     float64
		avgPriority    float64
	}
	var rows []tableRow
	for _, bench := range lastSession.Benchmarks {
		var features string
		if meta, ok := implMetaMap[bench.Implementation]; ok {
			features = strings.Join(meta.features, ", ")
		}
		rows = append(rows, tableRow{
			implementation: bench.Implementation,
			features:       features,
			throughput:     bench.Throughput,
			avgPriority:    bench.AveragePriority,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].throughput > rows[j].throughput
	})
	fmt.Println("## Last Session Benchmark Summary")
	fmt.Println()
	fmt.Println("| Configuration            | Features                              | Avg Priority | Throughput (items/sec) |")
	fmt.Println("|--------------------------|---------------------------------------|--------------|------------------------|")
	for _, r := range rows {
		fmt.Printf("| %-24s | %-37s | %12.3f | %22.0f |\n",
			r.implementation, r.features, r.avgPriority, r.throughput)
	}
}

func main() {
	testIterations := flag.Int("iter", 5, "Number of test iterations per concurrency setting")
	cpuMaxFlag := flag.Int("cpu", 0, "If non-zero, test only that GOMAXPROCS value; if 0, test common CPU/vCPU values up to runtime.NumCPU()")
	jsonExport := flag.Bool("json", false, "Export results as JSON to test-results.json")
	highConcurrency := flag.Bool("high-concurrency", false, "Include high concurrency configurations")
	markdownTable := flag.Bool("markdown-table", false, "Output markdown table from test-results.json and exit")
	jsonFileForMarkdown := flag.String("jsonfile", "test-results.json", "Path to JSON file for markdown table")
	progressFlag := flag.Bool("progress", false, "Display a progress bar with ETA")
	duration := flag.Duration("duration", 5*time.Second, "Duration of each timed run")
	modeChangeProb := flag.Float64("mode-change-prob", 0.05, "Regime switch probability of the priority generator")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *markdownTable {
		outputMarkdownTable(*jsonFileForMarkdown)
		return
	}

	trueCpuCount := runtime.NumCPU()
	var cpuSettings []int
	commonCPUs := []int{1, 2, 3, 4, 6, 8, 12, 16, 32, 48, 56, 64, 96, 128, 192, 256, 384, 512}

	if *cpuMaxFlag > 0 {
		desired := *cpuMaxFlag
		if desired > trueCpuCount {
			desired = trueCpuCount
		}
		cpuSettings = []int{desired}
	} else {
		for _, v := range commonCPUs {
			if v <= trueCpuCount {
				cpuSettings = append(cpuSettings, v)
			}
		}
	}

	concurrencyConfigs := []testbench.Config{
		{NumProducers: 2, NumConsumers: 2},
		{NumProducers: 10, NumConsumers: 10},
		{NumProducers: 50, NumConsumers: 50},
	}
	if *highConcurrency {
		concurrencyConfigs = append(concurrencyConfigs,
			testbench.Config{NumProducers: 100, NumConsumers: 100},
			testbench.Config{NumProducers: 250, NumConsumers: 250},
		)
	}

	impls := getImplementations()
	totalTests := len(cpuSettings) * len(concurrencyConfigs) * (*testIterations) * len(impls)

	var bar *progressbar.ProgressBar
	if *progressFlag {
		bar = progressbar.NewOptions(totalTests,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("bench"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
		)
	}

	var allSessions []FullReport

	for _, cpus := range cpuSettings {
		runtime.GOMAXPROCS(cpus)
		sysInfo := gatherSystemInfo()
		sysInfo.NumCPU = cpus
		sysInfo.TrueCPU = trueCpuCount
		sysInfo.SimulatedCPUCount = cpus

		fmt.Printf("\n=============================\n")
		fmt.Printf("GOMAXPROCS = %d\n", cpus)
		fmt.Printf("=============================\n")

		var results []BenchmarkResult

		for _, cc := range concurrencyConfigs {
			fmt.Printf("  [Concurrency: producers=%d, consumers=%d]\n", cc.NumProducers, cc.NumConsumers)
			for iteration := 1; iteration <= *testIterations; iteration++ {
				fmt.Printf("    iteration %d/%d\n", iteration, *testIterations)
				for _, impl := range impls {
					runtime.GC()
					b, err := impl.newBag(uint64(iteration))
					if err != nil {
						logger.Error("bag construction failed", "implementation", impl.name, "error", err)
						os.Exit(1)
					}
					time.Sleep(250 * time.Millisecond)

					// one generator per run; producers share it through an index-keyed table
					priorities := workload.New(*modeChangeProb, uint64(iteration)).Generate(1 << 16)
					runCfg := cc
					runCfg.TransferEvery = impl.transferEvery

					res := testbench.RunTimedTest(
						b,
						runCfg,
						*duration,
						func(i int) bag.Item[int, struct{}] {
							return bag.Item[int, struct{}]{Key: i, Priority: priorities[i&(len(priorities)-1)]}
						},
					)
					throughput := float64(res.Consumed) / res.Elapsed.Seconds()
					stats := b.Stats()

					fmt.Printf("    %s => admitted=%d, taken=%d, evicted=%d/%d, throughput=%.0f items/s, took=%v\n",
						impl.name, res.Produced, res.Consumed, stats.StagingEvicted, stats.MainEvicted, throughput, res.Elapsed)

					if bar != nil {
						_ = bar.Add(1)
					}

					results = append(results, BenchmarkResult{
						Implementation:    impl.name,
						NumProducers:      cc.NumProducers,
						NumConsumers:      cc.NumConsumers,
						NumAdmitted:       res.Produced,
						NumTaken:          res.Consumed,
						NumRejected:       res.Rejected,
						NumStagingEvicted: stats.StagingEvicted,
						NumMainEvicted:    stats.MainEvicted,
						AveragePriority:   b.AveragePriority(),
						TestDuration:      duration.String(),
						ActualElapsed:     res.Elapsed.String(),
						Throughput:        throughput,
						Timestamp:         time.Now().Unix(),
						GoVersion:         runtime.Version(),
					})
				}
			}
		}

		allSessions = append(allSessions, FullReport{
			SessionTime: time.Now().Format(time.RFC3339),
			SystemInfo:  sysInfo,
			Benchmarks:  results,
		})
	}

	if bar != nil {
		_ = bar.Finish()
	}

	if *jsonExport {
		const filename = "test-results.json"
		var previous []FullReport
		if data, err := os.ReadFile(filename); err == nil && len(data) > 0 {
			if err := json.Unmarshal(data, &previous); err != nil {
				logger.Warn("ignoring unreadable previous results", "file", filename, "error", err)
			}
		}
		updated := append(previous, allSessions...)
		data, err := json.MarshalIndent(updated, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error marshalling JSON:", err)
			os.Exit(1)
		}
		if err = os.WriteFile(filename, data, 0644); err != nil {
			fmt.Fprintln(os.Stderr, "Error writing JSON file:", err)
			os.Exit(1)
		}
		fmt.Printf("\nWrote results to %s\n", filename)
	}
}

// gatherSystemInfo collects basic CPU and memory details.
func gatherSystemInfo() SystemInfo {
	var cpuModel string
	var cpuSpeed float64
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		cpuModel = infos[0].ModelName
		cpuSpeed = infos[0].Mhz
	}

	var totalMemory uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		totalMemory = vm.Total
	}

	return SystemInfo{
		NumCPU:      runtime.NumCPU(),
		CPUModel:    cpuModel,
		CPUSpeedMHz: cpuSpeed,
		GOARCH:      runtime.GOARCH,
		TotalMemory: totalMemory,
	}
}

// getImplementations enumerates the bag configurations under test.
func getImplementations() []Implementation {
	small := func(modes int, policy config.TransferPolicy) func() config.Config {
		return func() config.Config {
			cfg := config.Default()
			cfg.NumLevels = 50
			cfg.NumStagingLevels = 1000
			cfg.NumWorkingModes = modes
			cfg.Capacity = 500
			cfg.StagingCapacity = config.StagingCapacityFor(cfg.Capacity)
			cfg.TransferPolicy = policy
			return cfg
		}
	}
	return []Implementation{
		{
			name:        "SingleMode",
			description: "One working mode; every staging and main bucket shares a single scan state.",
			features:    []string{"Dual-Bias", "Transfer-Every"},
			cfg:         small(1, config.TransferEvery),
		},
		{
			name:        "FiveModes",
			description: "Five disjoint working modes.",
			features:    []string{"Dual-Bias", "Working-Modes", "Transfer-Every"},
			cfg:         small(5, config.TransferEvery),
		},
		{
			name:        "TenModes",
			description: "Ten disjoint working modes.",
			features:    []string{"Dual-Bias", "Working-Modes", "Transfer-Every"},
			cfg:         small(10, config.TransferEvery),
		},
		{
			name:          "TenModesBatched",
			description:   "Ten working modes, producers transfer once per ten admissions.",
			features:      []string{"Dual-Bias", "Working-Modes", "Transfer-Manual"},
			transferEvery: 10,
			cfg:           small(10, config.TransferManual),
		},
		{
			name:        "DefaultConfig",
			description: "config.Default(): 100 main levels, 1000 staging levels, ten modes.",
			features:    []string{"Dual-Bias", "Working-Modes", "Transfer-Every"},
			cfg:         config.Default,
		},
	}
}
