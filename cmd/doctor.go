package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/charmbracelet/huh"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goclaw doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	_, statErr := os.Stat(cfgPath)
	if statErr != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// First run with no config and no env keys: offer the setup form.
	if statErr != nil && !cfg.HasAnyProvider() {
		if promptInitialConfig(cfgPath) {
			cfg, _ = config.Load(cfgPath)
		}
	}

	fmt.Println()
	fmt.Println("  Providers:")
	if !cfg.HasAnyProvider() {
		fmt.Println("    (none configured — set GOCLAW_ANTHROPIC_API_KEY or edit config.json)")
	} else {
		for name, key := range map[string]string{
			"anthropic":  cfg.Providers.Anthropic.APIKey,
			"openai":     cfg.Providers.OpenAI.APIKey,
			"openrouter": cfg.Providers.OpenRouter.APIKey,
			"groq":       cfg.Providers.Groq.APIKey,
			"deepseek":   cfg.Providers.DeepSeek.APIKey,
		} {
			if key != "" {
				fmt.Printf("    %-12s configured\n", name+":")
			}
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	fmt.Printf("    %-12s %v\n", "telegram:", cfg.Channels.Telegram.Enabled)
	fmt.Printf("    %-12s %v\n", "discord:", cfg.Channels.Discord.Enabled)

	// Postgres (managed mode only)
	if cfg.IsManagedMode() {
		fmt.Println()
		fmt.Println("  Database:")
		fmt.Printf("    %-12s managed\n", "Mode:")
		db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN)
		if dbErr == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if pingErr := db.PingContext(ctx); pingErr != nil {
				fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Postgres:", pingErr)
			} else {
				fmt.Printf("    %-12s OK\n", "Postgres:")
			}
			db.Close()
		}
	}

	fmt.Println()
	fmt.Println("  Workspace:")
	workspace := cfg.WorkspacePath()
	if info, err := os.Stat(workspace); err != nil {
		fmt.Printf("    %s (missing — will be created on start)\n", workspace)
	} else if !info.IsDir() {
		fmt.Printf("    %s (NOT A DIRECTORY)\n", workspace)
	} else {
		fmt.Printf("    %s (OK)\n", workspace)
	}
}

// promptInitialConfig walks the operator through a minimal first config.
// Returns true when a config file was written.
func promptInitialConfig(cfgPath string) bool {
	var provider, apiKey, telegramToken string
	var writeConfig bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which AI provider do you want to use?").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
				).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Telegram bot token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewConfirm().
				Title("Write config file?").
				Value(&writeConfig),
		),
	)

	if err := form.Run(); err != nil || !writeConfig || apiKey == "" {
		return false
	}

	cfg := config.Default()
	cfg.Agents.Defaults.Provider = provider
	switch provider {
	case "anthropic":
		cfg.Providers.Anthropic.APIKey = apiKey
	case "openai":
		cfg.Providers.OpenAI.APIKey = apiKey
		cfg.Agents.Defaults.Model = "gpt-4o"
	case "openrouter":
		cfg.Providers.OpenRouter.APIKey = apiKey
		cfg.Agents.Defaults.Model = "anthropic/claude-sonnet-4-5-20250929"
	}
	if telegramToken != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = telegramToken
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("  failed to write config: %s\n", err)
		return false
	}
	fmt.Printf("  wrote %s\n", cfgPath)
	return true
}
