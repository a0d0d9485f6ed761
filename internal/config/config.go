package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sentinelcore/internal/planmodel"
)

// Config is the root application configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Display      DisplayConfig      `mapstructure:"display" yaml:"display"`
	Executor     ExecutorConfig     `mapstructure:"executor" yaml:"executor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Planner      PlannerConfig      `mapstructure:"planner" yaml:"planner"`
	Isolation    IsolationConfig    `mapstructure:"isolation" yaml:"isolation"`
	Policy       planmodel.Policy   `mapstructure:"policy" yaml:"policy"`
}

// LogConfig controls the ambient zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig points at the durable audit-record sqlite database.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// DisplayConfig names the isolated AI-controlled display environment.
type DisplayConfig struct {
	AIDisplayID string `mapstructure:"ai_display_id" yaml:"ai_display_id"`
}

// ExecutorConfig tunes the Action Executor's primitive timings.
type ExecutorConfig struct {
	ClickDelay    time.Duration `mapstructure:"click_delay" yaml:"click_delay"`
	TypeInterval  time.Duration `mapstructure:"type_interval" yaml:"type_interval"`
	ScreenshotDir string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// OrchestratorConfig tunes the Plan Orchestrator's retry/adaptation bounds.
type OrchestratorConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxAdaptations int           `mapstructure:"max_adaptations" yaml:"max_adaptations"`
	WaitForSafe    time.Duration `mapstructure:"wait_for_safe" yaml:"wait_for_safe"`

	// ViolationRateWindow/ViolationRateThreshold tune §4.7's "isolation
	// violation rate above threshold" disrupt disjunct.
	ViolationRateWindow    time.Duration `mapstructure:"violation_rate_window" yaml:"violation_rate_window"`
	ViolationRateThreshold int           `mapstructure:"violation_rate_threshold" yaml:"violation_rate_threshold"`
}

// PlannerConfig addresses the external plan/adapt/interpret backend.
type PlannerConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKeyEnv string        `mapstructure:"api_key_env" yaml:"api_key_env"` // env var holding the backend credential
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// IsolationConfig tunes the Isolation Verifier's periodic tick.
type IsolationConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("SENTINELCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Policy.Normalize()

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// GetString 获取字符串配置值
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt 获取整数配置值
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool 获取布尔配置值
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)

	if configPath != "" {
		return save()
	}
	return nil
}

// ReloadPolicy re-reads just the policy section of the config file,
// for the `policy reload` CLI operation — the only config hot-reload
// spec §6 names.
func ReloadPolicy() (*planmodel.Policy, error) {
	mu.Lock()
	defer mu.Unlock()

	if configPath == "" {
		return nil, errors.New("config path not set")
	}
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	var pol planmodel.Policy
	if err := viper.UnmarshalKey("policy", &pol); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	pol.Normalize()

	if globalConfig != nil {
		globalConfig.Policy = pol
	}
	return &pol, nil
}

// Save 保存配置到文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save 内部保存函数，调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	allSettings := viper.AllSettings()

	data, err := yaml.Marshal(allSettings)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// SaveTo 保存配置到指定路径
func SaveTo(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// SetTestConfig 设置全局配置（仅用于测试）
func SetTestConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}
