package main

import (
	"fmt"

	"ckpt-go/internal/app"
	"ckpt-go/internal/config"
	"ckpt-go/internal/ui"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}

		fmt.Println(ui.SuccessMsg("Configuration initialized at %s", defaults["config_path"]))
		fmt.Print(ui.KeyValues("  ",
			ui.KV("host id", hostID),
			ui.KV("base dir", defaults["base_dir"]),
		))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"list"},
	Short:   "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := config.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Println(ui.Muted("# " + path))
		fmt.Print(out)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage archive encryption keys",
}

var configKeysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the archive encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		passphrase, err := newPassphrase()
		if err != nil {
			return err
		}
		if err := app.InitKeys(cfg, passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println(ui.SuccessMsg("Archive keys written"))
		fmt.Print(ui.KeyValues("  ",
			ui.KV("public", cfg.Checkpoint.Encryption.PublicKeyPath),
			ui.KV("private", cfg.Checkpoint.Encryption.PrivateKeyPath),
		))
		if !cfg.Checkpoint.Encryption.Enabled {
			fmt.Println(ui.InfoMsg("set checkpoint.encryption.enabled = true to encrypt new archives"))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configKeysCmd)
	configKeysCmd.AddCommand(configKeysInitCmd)
}
