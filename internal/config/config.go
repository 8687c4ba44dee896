// Package config loads kernel configuration from the process environment,
// with a YAML escape hatch for the static tables (role quality thresholds,
// retention classes) that are more naturally authored as data.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Kernel holds every kernel-process tunable.
type Kernel struct {
	MaxConcurrentAgents int           `yaml:"max_concurrent_agents"`
	CacheCapacity       int           `yaml:"cache_capacity"`
	HealthSweepInterval time.Duration `yaml:"health_sweep_interval"`
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
	DLQDrainInterval    time.Duration `yaml:"dlq_drain_interval"`
	RetentionCron       string        `yaml:"retention_cron"`

	RetentionDays     map[string]int     `yaml:"retention_days"`
	QualityThresholds map[string]float64 `yaml:"quality_thresholds"`
}

// Default returns the kernel's documented defaults.
func Default() *Kernel {
	return &Kernel{
		MaxConcurrentAgents: 50,
		CacheCapacity:       10000,
		HealthSweepInterval: 30 * time.Second,
		ExpirySweepInterval: 300 * time.Second,
		DLQDrainInterval:    60 * time.Second,
		RetentionCron:       "@daily",
		RetentionDays: map[string]int{
			"gdpr_personal_data": 365,
			"system_logs":        90,
			"research_data":      1825,
			"default":            90,
		},
		QualityThresholds: map[string]float64{
			"research":       0.85,
			"scientific":     0.90,
			"medical":        0.95,
			"legal":          0.92,
			"financial":      0.93,
			"specifications": 0.90,
			"tester":         0.88,
			"integrator":     0.92,
			"optimizer":      0.85,
			"devops":         0.90,
			"default":        0.80,
		},
	}
}

// FromEnv overlays documented environment variables onto the defaults.
func FromEnv() *Kernel {
	k := Default()

	if v := os.Getenv("MAX_CONCURRENT_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			k.MaxConcurrentAgents = n
		}
	}
	if v := os.Getenv("CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			k.CacheCapacity = n
		}
	}
	for class := range k.RetentionDays {
		envName := "RETENTION_" + envSafe(class) + "_DAYS"
		if v := os.Getenv(envName); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				k.RetentionDays[class] = n
			}
		}
	}
	for role := range k.QualityThresholds {
		envName := "QUALITY_THRESHOLD_" + envSafe(role)
		if v := os.Getenv(envName); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				k.QualityThresholds[role] = f
			}
		}
	}
	return k
}

// LoadYAML overlays a YAML file onto an existing config: fields present in
// the file replace the values already in k, the rest are kept.
func LoadYAML(path string, k *Kernel) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, k)
}

func (k *Kernel) RetentionFor(class string) time.Duration {
	days, ok := k.RetentionDays[class]
	if !ok {
		days = k.RetentionDays["default"]
	}
	return time.Duration(days) * 24 * time.Hour
}

func (k *Kernel) ThresholdFor(role string) float64 {
	if t, ok := k.QualityThresholds[role]; ok {
		return t
	}
	return k.QualityThresholds["default"]
}

func envSafe(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
