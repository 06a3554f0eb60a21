package cmd

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tinyweights/tinyweights/infer/loader"
)

// Define struct for YAML
type RuntimeConfig struct {
	Loader    LoaderConfig    `yaml:"loader"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type LoaderConfig struct {
	MemoryBudget             uint64  `yaml:"memory_budget"`
	EnableUnloading          *bool   `yaml:"enable_unloading"`
	Policy                   string  `yaml:"policy"`
	PrefetchThreshold        float64 `yaml:"prefetch_threshold"`
	MaxPrefetchLayers        int     `yaml:"max_prefetch_layers"`
	EnableDependencyTracking *bool   `yaml:"enable_dependency_tracking"`
	PerLoadTimeoutMs         int64   `yaml:"per_load_timeout_ms"`
}

type SchedulerConfig struct {
	Mode            string `yaml:"mode"`
	MemLimit        uint64 `yaml:"mem_limit"`
	ActivationBytes uint64 `yaml:"activation_bytes"`
}

// GetRuntimeConfig reads a runtime config YAML and overlays it on base.
// Fields absent from the file keep the base (flag) values.
func GetRuntimeConfig(path string, base loader.Config) (loader.Config, SchedulerConfig) {
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Fatalf("unable to read runtime config: %v", err)
	}
	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logrus.Fatalf("unable to parse runtime config: %v", err)
	}

	out := base
	if cfg.Loader.MemoryBudget > 0 {
		out.MemoryBudget = cfg.Loader.MemoryBudget
	}
	if cfg.Loader.EnableUnloading != nil {
		out.EnableUnloading = *cfg.Loader.EnableUnloading
	}
	if cfg.Loader.Policy != "" {
		out.Policy = loader.ParsePolicy(cfg.Loader.Policy)
	}
	if cfg.Loader.PrefetchThreshold > 0 {
		out.PrefetchThreshold = cfg.Loader.PrefetchThreshold
	}
	if cfg.Loader.MaxPrefetchLayers > 0 {
		out.MaxPrefetchLayers = cfg.Loader.MaxPrefetchLayers
	}
	if cfg.Loader.EnableDependencyTracking != nil {
		out.EnableDependencyTracking = *cfg.Loader.EnableDependencyTracking
	}
	if cfg.Loader.PerLoadTimeoutMs > 0 {
		out.PerLoadTimeout = time.Duration(cfg.Loader.PerLoadTimeoutMs) * time.Millisecond
	}
	return out, cfg.Scheduler
}
