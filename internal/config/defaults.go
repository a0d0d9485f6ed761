package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage 配置
	viper.SetDefault("storage.driver", "sqlite")

	// Display 配置
	viper.SetDefault("display.ai_display_id", ":1")

	// Executor 配置
	viper.SetDefault("executor.click_delay", 100*time.Millisecond)
	viper.SetDefault("executor.type_interval", 10*time.Millisecond)
	viper.SetDefault("executor.screenshot_dir", "")

	// Orchestrator 配置
	viper.SetDefault("orchestrator.max_retries", 3)
	viper.SetDefault("orchestrator.max_adaptations", 5)
	viper.SetDefault("orchestrator.wait_for_safe", 2*time.Minute)
	viper.SetDefault("orchestrator.violation_rate_window", 30*time.Second)
	viper.SetDefault("orchestrator.violation_rate_threshold", 3)

	// Planner 配置
	viper.SetDefault("planner.timeout", 30*time.Second)
	viper.SetDefault("planner.api_key_env", "SENTINELCORE_PLANNER_API_KEY")

	// Isolation Verifier 配置
	viper.SetDefault("isolation.enabled", true)
	viper.SetDefault("isolation.interval", 5*time.Second)

	// Policy 配置 — mirrors planmodel.Policy.Normalize()'s defaults so a
	// config.yaml with no `policy:` section still produces a usable Policy.
	viper.SetDefault("policy.strict_mode", true)
	viper.SetDefault("policy.coord_max_w", 3840)
	viper.SetDefault("policy.coord_max_h", 2160)
	viper.SetDefault("policy.rate_limits.per_second", 10)
	viper.SetDefault("policy.rate_limits.per_minute", 100)
	viper.SetDefault("policy.max_retries", 3)
	viper.SetDefault("policy.max_adaptations", 5)
	viper.SetDefault("policy.emergency_hotkey", "F12")
	viper.SetDefault("policy.max_violations", 5)
}
