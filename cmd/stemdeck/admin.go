package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stemdeck/internal/config"
	"github.com/mattjoyce/stemdeck/internal/doctor"
)

func newDoctorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration and engine installation",
		Long: `Check that the engine can be launched: mode, interpreter on PATH, script or
binary present, checksum match, state directory and API exposure.

Exits 1 when any error is found; warnings alone exit 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString(FlagConfig)
			// Invalid values are reported by the doctor, not here.
			cfg, err := config.LoadUnvalidated(a.v, path)
			if err != nil {
				return err
			}

			r := doctor.New(cfg).Validate()
			if asJSON, _ := cmd.Flags().GetBool(FlagJSON); asJSON {
				out, err := doctor.FormatJSON(r)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, out)
			} else {
				fmt.Fprint(a.stdout, doctor.FormatHuman(r))
			}
			if !r.Valid {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().Bool(FlagJSON, false, "Output as JSON")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as YAML (secrets redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one resolved value, e.g. engine.mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			val, err := cfg.GetPath(args[0])
			if err != nil {
				return err
			}
			if _, isMap := val.(map[string]any); !isMap {
				fmt.Fprintln(a.stdout, val)
				return nil
			}
			out, err := yaml.Marshal(val)
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one value to the config file",
		Long: `Write one value to the config file given by --config, or the file that
would be loaded without it (./stemdeck.yaml, then ~/.config/stemdeck/stemdeck.yaml).
The file is created if needed. A change that leaves the file invalid is rolled back.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configFile(cmd)
			if err != nil {
				return err
			}
			if err := config.SetPath(path, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s = %s (%s)\n", args[0], args[1], path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List every configuration key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, k := range config.Keys() {
				fmt.Fprintln(a.stdout, k)
			}
			return nil
		},
	})
	return cmd
}

// configFile returns the file config set edits.
func (a *app) configFile(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString(FlagConfig); path != "" {
		return path, nil
	}
	if _, err := config.LoadUnvalidated(a.v, ""); err != nil {
		return "", err
	}
	if used := a.v.ConfigFileUsed(); used != "" {
		return used, nil
	}
	dir, err := config.DiscoverConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "stemdeck.yaml"), nil
}

func newEngineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Engine installation helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash [file]",
		Short: "Print the BLAKE3 digest for engine.checksum",
		Long: `Print the BLAKE3 digest of the given file, or of the configured engine
script or binary when no file is given. Put the value in engine.checksum to
have serve and run refuse a modified engine.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := a.loadConfig(cmd)
				if err != nil {
					return err
				}
				path = cfg.Engine.Executable()
			}
			sum, err := config.ComputeBlake3Hash(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(a.stdout, "%s  %s\n", sum, path)
			return nil
		},
	})
	return cmd
}
