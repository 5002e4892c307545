// Package pricing resolves per-token USD prices for chat and embedding
// models from config/models.yaml.
package pricing

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	pmetrics "github.com/arbiterhq/arbiter/internal/metrics"
)

// Config structure for the pricing section in config/models.yaml
type config struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]struct {
			InputPer1K    float64 `yaml:"input_per_1k"`
			OutputPer1K   float64 `yaml:"output_per_1k"`
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"models"`
	} `yaml:"pricing"`
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

// default locations inside containers / local dev
func defaultPaths() []string {
	return []string{
		os.Getenv("MODELS_CONFIG_PATH"),
		"/app/config/models.yaml",
		"./config/models.yaml",
		"../../config/models.yaml",
	}
}

// findUpConfig searches parent directories for config/models.yaml starting at CWD.
func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// configPath returns the first readable config location.
func configPath() (string, bool) {
	for _, p := range defaultPaths() {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return findUpConfig()
}

// loadLocked loads the configuration; the caller must hold mu.
func loadLocked() {
	var cfg config
	if path, ok := configPath(); ok {
		if data, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(data, &cfg)
		}
	}
	loaded = &cfg
	initialized = true
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// Reload forces a re-read of pricing configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	loadLocked()
}

// Watch hot-reloads pricing when the config file changes. It returns a stop
// function; with no config file present it is a no-op.
func Watch(logger *zap.Logger) func() {
	path, ok := configPath()
	if !ok {
		return func() {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Pricing config watcher unavailable", zap.Error(err))
		return func() {}
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("Pricing config watch failed", zap.String("path", path), zap.Error(err))
		watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					Reload()
					logger.Info("Pricing configuration reloaded", zap.String("path", path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Pricing config watcher error", zap.Error(err))
			}
		}
	}()
	return func() { _ = watcher.Close() }
}

// DefaultPerToken returns the default combined price per token.
func DefaultPerToken() float64 {
	cfg := get()
	if cfg.Pricing.Defaults.CombinedPer1K > 0 {
		return cfg.Pricing.Defaults.CombinedPer1K / 1000.0
	}
	return 0.000002
}

// PricePerTokenForModel returns the combined price per token for a model if
// configured.
func PricePerTokenForModel(model string) (float64, bool) {
	if model == "" {
		return 0, false
	}
	cfg := get()
	for _, models := range cfg.Pricing.Models {
		if m, ok := models[model]; ok {
			if m.CombinedPer1K > 0 {
				return m.CombinedPer1K / 1000.0, true
			}
			if m.InputPer1K > 0 && m.OutputPer1K > 0 {
				return ((m.InputPer1K + m.OutputPer1K) / 2.0) / 1000.0, true
			}
		}
	}
	return 0, false
}

// CostForTokens returns the USD cost of total tokens for a model.
func CostForTokens(model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	if price, ok := PricePerTokenForModel(model); ok {
		return float64(tokens) * price
	}
	if model == "" {
		pmetrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
	return float64(tokens) * DefaultPerToken()
}

// CostForSplit computes cost using the input/output token split when
// available, falling back to combined pricing.
func CostForSplit(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	cfg := get()
	for _, models := range cfg.Pricing.Models {
		if m, ok := models[model]; ok {
			if m.InputPer1K > 0 && m.OutputPer1K > 0 {
				return (float64(inputTokens)/1000.0)*m.InputPer1K +
					(float64(outputTokens)/1000.0)*m.OutputPer1K
			}
			if m.CombinedPer1K > 0 {
				return (float64(inputTokens+outputTokens) / 1000.0) * m.CombinedPer1K
			}
			break
		}
	}
	if model == "" {
		pmetrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
	} else {
		pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
	return float64(inputTokens+outputTokens) * DefaultPerToken()
}
