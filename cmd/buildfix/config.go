package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/buildfix/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Show the effective buildfix configuration.

Without arguments, displays every key with its value and the files that
were read. With one argument, prints the value of that key.

User configuration is read from ~/.config/buildfix/config.yaml, project
overrides from .buildfix.yaml, and BUILDFIX_* environment variables
override both (BUILDFIX_SCHEDULER_MAX_CONCURRENT=8).`,
	Args: usageArgs(cobra.MaximumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		workdir, err := resolveWorkdir()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(workdir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if len(args) == 1 {
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return usageError(err)
			}
			fmt.Println(value)
			return nil
		}
		displayAllConfig(os.Stdout, cfg, workdir)
		return nil
	},
}

type configEntry struct {
	key   string
	value string
}

// configEntries flattens cfg into dotted keys. The API key is masked.
func configEntries(cfg *config.Config) []configEntry {
	key, _, _ := cfg.APIKey()
	return []configEntry{
		{"scheduler.max_concurrent", strconv.Itoa(cfg.Scheduler.MaxConcurrent)},
		{"scheduler.tick", cfg.Scheduler.Tick.String()},
		{"scheduler.stall_timeout", cfg.Scheduler.StallTimeout.String()},
		{"scheduler.spawn_rate", strconv.FormatFloat(cfg.Scheduler.SpawnRate, 'g', -1, 64)},
		{"scheduler.spawn_burst", strconv.Itoa(cfg.Scheduler.SpawnBurst)},
		{"scheduler.liveness_grace", cfg.Scheduler.LivenessGrace.String()},
		{"execution.timeout", cfg.Execution.Timeout.String()},
		{"execution.chunk_timeout", cfg.Execution.ChunkTimeout.String()},
		{"execution.retries", strconv.Itoa(cfg.Execution.Retries)},
		{"execution.backoff_base", cfg.Execution.BackoffBase.String()},
		{"execution.log_tail", strconv.Itoa(cfg.Execution.LogTail)},
		{"chunking.max_size", strconv.Itoa(cfg.Chunking.MaxSize)},
		{"breaker.threshold", strconv.Itoa(cfg.Breaker.Threshold)},
		{"breaker.window", cfg.Breaker.Window.String()},
		{"cache.ttl", cfg.Cache.TTL.String()},
		{"checkpoint.interval", cfg.Checkpoint.Interval.String()},
		{"checkpoint.full_every", strconv.Itoa(cfg.Checkpoint.FullEvery)},
		{"resources.reserve_percent", strconv.Itoa(cfg.Resources.ReservePercent)},
		{"resources.high_water", strconv.FormatFloat(cfg.Resources.HighWater, 'g', -1, 64)},
		{"resources.low_water", strconv.FormatFloat(cfg.Resources.LowWater, 'g', -1, 64)},
		{"resources.sample_every", strconv.Itoa(cfg.Resources.SampleEvery)},
		{"advisor.api_key", config.MaskAPIKey(key)},
		{"advisor.model", cfg.Advisor.Model},
		{"advisor.max_tokens", strconv.Itoa(cfg.Advisor.MaxTokens)},
		{"advisor.bedrock", strconv.FormatBool(cfg.Advisor.Bedrock)},
		{"advisor.aws_region", cfg.Advisor.AWSRegion},
	}
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config, workdir string) {
	for _, e := range configEntries(cfg) {
		fmt.Fprintf(w, "%s: %s\n", e.key, e.value)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "user config: %s\n", config.GetUserConfigPath())
	if project := config.GetProjectConfigPath(workdir); project != "" {
		fmt.Fprintf(w, "project config: %s\n", project)
	} else {
		fmt.Fprintln(w, "project config: (none)")
	}
}

// getConfigValue returns the value of a dotted key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	for _, e := range configEntries(cfg) {
		if e.key == key {
			return e.value, nil
		}
	}
	return "", fmt.Errorf("unknown config key: %s", key)
}
