package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

const (
	configDirMode  = 0o700
	configFileMode = 0o600
)

// fileConfig is the on-disk config file layout.
type fileConfig struct {
	Server string `toml:"server"`
	Token  string `toml:"token,omitempty"`
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the genctl config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the current server and token to the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := fileConfig{Server: a.server(), Token: a.v.GetString("token")}
			if err := writeConfigFile(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := fileConfig{Server: a.server(), Token: maskToken(a.v.GetString("token"))}
			data, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if used := a.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(a.out, "# %s\n", used)
			}
			_, err = a.out.Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func (a *app) configPath() (string, error) {
	if path := a.v.GetString("config"); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, configDir, configName+"."+configType), nil
}

func writeConfigFile(path string, cfg fileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, configFileMode); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func maskToken(t string) string {
	if len(t) <= 8 {
		if t == "" {
			return ""
		}
		return "****"
	}
	return t[:4] + "****" + t[len(t)-4:]
}
