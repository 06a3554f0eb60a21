package cmd

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinyweights/tinyweights/infer"
	"github.com/tinyweights/tinyweights/infer/loader"
	"github.com/tinyweights/tinyweights/infer/trace"
)

var (
	// CLI flags for the loader
	memoryBudget      uint64  // Upper bound on resident weight bytes
	enableUnloading   bool    // Evict under pressure instead of failing
	policy            string  // Eviction policy (lru, lfu, access-pattern, manual)
	prefetchThreshold float64 // Bigram confidence gate for prefetch
	maxPrefetchLayers int     // Layers prefetched per access
	trackDependencies bool    // Enforce the layer dependency graph
	perLoadTimeoutMs  int64   // Per-layer fetch deadline in milliseconds

	// CLI flags for the scheduler
	mode             string // Scheduling mode (memory-opt, latency-opt, balanced)
	memLimit         uint64 // Per-pass memory ceiling
	activationBytes  uint64 // Synthetic activation size per node
	parallelPrefetch int    // Upcoming weights held ahead in latency modes
	passes           int    // Number of forward passes to run

	configFile string // Optional runtime config YAML
	traceFile  string // Optional JSONL decision trace output
)

// stubKernel is the synthetic elementwise compute used by the run command.
// It folds the weights into the output so the pass touches every resident
// byte without needing a real model.
func stubKernel(layerID int, weights, input, output []byte) error {
	for i := range output {
		var w, in byte
		if len(weights) > 0 {
			w = weights[i%len(weights)]
		}
		if len(input) > 0 {
			in = input[i%len(input)]
		}
		output[i] = w ^ in
	}
	return nil
}

// runCmd executes synthetic budgeted forward passes over a container
var runCmd = &cobra.Command{
	Use:   "run <container>",
	Short: "Run budgeted forward passes over a model container",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ldCfg := loader.Config{
			MemoryBudget:             memoryBudget,
			EnableUnloading:          enableUnloading,
			Policy:                   loader.ParsePolicy(policy),
			PrefetchThreshold:        prefetchThreshold,
			MaxPrefetchLayers:        maxPrefetchLayers,
			EnableDependencyTracking: trackDependencies,
			PerLoadTimeout:           time.Duration(perLoadTimeoutMs) * time.Millisecond,
		}
		schedCfg := SchedulerConfig{Mode: mode, MemLimit: memLimit, ActivationBytes: activationBytes}
		if configFile != "" {
			var fileSched SchedulerConfig
			ldCfg, fileSched = GetRuntimeConfig(configFile, ldCfg)
			if fileSched.Mode != "" {
				schedCfg.Mode = fileSched.Mode
			}
			if fileSched.MemLimit > 0 {
				schedCfg.MemLimit = fileSched.MemLimit
			}
			if fileSched.ActivationBytes > 0 {
				schedCfg.ActivationBytes = fileSched.ActivationBytes
			}
		}

		ld, err := loader.New(args[0], ldCfg)
		if err != nil {
			logrus.Fatalf("unable to open model: %v", err)
		}
		defer ld.Close()

		var sink *trace.Collector
		if traceFile != "" {
			sink = trace.NewCollector()
			ld.SetTrace(sink)
		}

		schedMode, err := infer.ParseMode(schedCfg.Mode)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		sched, err := infer.NewScheduler(ld, schedMode, schedCfg.MemLimit, stubKernel)
		if err != nil {
			logrus.Fatalf("unable to create scheduler: %v", err)
		}
		if sink != nil {
			sched.SetTrace(sink)
		}
		if err := sched.SetMaxParallelPrefetch(parallelPrefetch); err != nil {
			logrus.Fatalf("%v", err)
		}
		for i := 0; i < ld.LayerCount(); i++ {
			if err := sched.AddLayer(i, nil, infer.DepSequential, schedCfg.ActivationBytes); err != nil {
				logrus.Fatalf("unable to add layer %d: %v", i, err)
			}
		}
		if err := sched.PrepareForwardPass(); err != nil {
			logrus.Fatalf("unable to prepare pass: %v", err)
		}

		input := make([]byte, schedCfg.ActivationBytes)
		output := make([]byte, schedCfg.ActivationBytes)
		startTime := time.Now()
		for pass := 0; pass < passes; pass++ {
			for {
				layerID, more, err := sched.ExecuteNext(input, output)
				if err != nil {
					logrus.Fatalf("pass %d failed at layer %d: %v", pass, layerID, err)
				}
				if !more {
					break
				}
			}
			if pass < passes-1 {
				if err := sched.Reset(); err != nil {
					logrus.Fatalf("unable to reset pass: %v", err)
				}
			}
		}
		elapsed := time.Since(startTime)

		ld.MemoryStats().Log()
		logrus.Infof("%d passes over %d layers in %s, pass peak %d bytes (predicted %d)",
			passes, ld.LayerCount(), elapsed, sched.PeakMemoryUsage(), sched.PredictedPeak())

		if sink != nil {
			f, err := os.Create(traceFile)
			if err != nil {
				logrus.Fatalf("unable to create trace file: %v", err)
			}
			defer f.Close()
			if err := sink.WriteJSONL(f); err != nil {
				logrus.Fatalf("unable to write trace: %v", err)
			}
			logrus.Infof("wrote %d trace records to %s", sink.Len(), traceFile)
		}
	},
}

func init() {
	// Loader configs
	runCmd.Flags().Uint64Var(&memoryBudget, "budget", 1<<30, "Resident weight byte budget")
	runCmd.Flags().BoolVar(&enableUnloading, "enable-unloading", true, "Evict layers under budget pressure")
	runCmd.Flags().StringVar(&policy, "policy", "lru", "Eviction policy (lru, lfu, access-pattern, manual)")
	runCmd.Flags().Float64Var(&prefetchThreshold, "prefetch-threshold", 0.7, "Bigram confidence gate for prefetch")
	runCmd.Flags().IntVar(&maxPrefetchLayers, "max-prefetch-layers", 2, "Layers prefetched per access")
	runCmd.Flags().BoolVar(&trackDependencies, "track-dependencies", true, "Enforce the layer dependency graph")
	runCmd.Flags().Int64Var(&perLoadTimeoutMs, "per-load-timeout-ms", 0, "Per-layer fetch deadline in milliseconds (0 = none)")

	// Scheduler configs
	runCmd.Flags().StringVar(&mode, "mode", "memory-opt", "Scheduling mode (memory-opt, latency-opt, balanced)")
	runCmd.Flags().Uint64Var(&memLimit, "mem-limit", 1<<30, "Per-pass memory ceiling")
	runCmd.Flags().Uint64Var(&activationBytes, "activation-bytes", 256<<10, "Synthetic activation size per node")
	runCmd.Flags().IntVar(&parallelPrefetch, "max-parallel-prefetch", 1, "Upcoming weights held ahead in latency modes")
	runCmd.Flags().IntVar(&passes, "passes", 1, "Number of forward passes")

	runCmd.Flags().StringVar(&configFile, "config", "", "Runtime config YAML overlaying the flags")
	runCmd.Flags().StringVar(&traceFile, "trace", "", "Write a JSONL decision trace to this path")

	rootCmd.AddCommand(runCmd)
}
