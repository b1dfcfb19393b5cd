package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/cordial/internal/config"
)

func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "cordial.yaml", "Path to configuration file")
	return cmd
}

type check struct {
	name string
	fn   func() error
}

func runDoctor(configPath string) error {
	var cfg *config.Config
	checks := []check{
		{"config parses and validates", func() error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		}},
		{"provider API key present", func() error {
			if os.Getenv("ANTHROPIC_API_KEY") == "" && os.Getenv("OPENAI_API_KEY") == "" {
				return fmt.Errorf("neither ANTHROPIC_API_KEY nor OPENAI_API_KEY is set")
			}
			return nil
		}},
		{"cache directory writable", func() error {
			if cfg == nil {
				return fmt.Errorf("skipped: config did not load")
			}
			if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
				return err
			}
			probe := filepath.Join(cfg.CacheDir, ".doctor-probe")
			if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
				return err
			}
			return os.Remove(probe)
		}},
		{"bot tokens configured", func() error {
			if cfg == nil {
				return fmt.Errorf("skipped: config did not load")
			}
			for _, b := range cfg.Bots {
				if b.Token == "" {
					return fmt.Errorf("bot %s has no token", b.ID)
				}
			}
			return nil
		}},
	}

	failed := 0
	for _, c := range checks {
		if err := c.fn(); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", c.name, err)
		} else {
			fmt.Printf("ok   %s\n", c.name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Println("all checks passed")
	return nil
}
