package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"sentinelcore/internal/config"
	"sentinelcore/internal/storage"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// InitOptions init 命令选项
type InitOptions struct {
	Force bool
}

// NewInitCmd 创建 init 命令
func NewInitCmd() *cobra.Command {
	opts := &InitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize sentinelcore configuration",
		Long:  "Initialize sentinelcore's configuration directory, default policy, and audit database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunInit(opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

// RunInit 执行初始化
func RunInit(opts *InitOptions) error {
	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("get config dir: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("create config directory %s: %w", configDir, err)
	}

	defaultConfig := map[string]any{
		"log": map[string]any{
			"level":  "info",
			"format": "console",
		},
		"storage": map[string]any{
			"driver": "sqlite",
		},
		"display": map[string]any{
			"ai_display_id": ":1",
		},
		"isolation": map[string]any{
			"enabled":  true,
			"interval": "5s",
		},
		"orchestrator": map[string]any{
			"max_retries":     3,
			"max_adaptations": 5,
			"wait_for_safe":   "2m",
		},
		"policy": map[string]any{
			"strict_mode": true,
		},
	}

	data, err := yaml.Marshal(defaultConfig)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	dataPath, err := config.DefaultDataPath()
	if err != nil {
		return fmt.Errorf("get data path: %w", err)
	}

	db, err := storage.Open(dataPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	db.Close()

	fmt.Printf("Initialized sentinelcore at %s\n", configDir)
	fmt.Printf("  Config:   %s\n", configPath)
	fmt.Printf("  Database: %s\n", dataPath)

	return nil
}
