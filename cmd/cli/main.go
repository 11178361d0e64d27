package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/keshon/parley/internal/bot"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/config"
	"github.com/keshon/parley/internal/docs"
	"github.com/keshon/parley/internal/logging"
	v "github.com/keshon/parley/internal/version"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "parley-cli",
		Short:        "Inspect a parley installation",
		Version:      v.String(),
		SilenceUsage: true,
	}
	root.AddCommand(checkCmd(), pluginsCmd(), docsCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(logging.Options{Level: "warn"})
	return cfg, nil
}

// loadRegistry builds the command set the bot would start with, without
// connecting anywhere.
func loadRegistry(cfg *config.Config) (*command.Registry, []error, error) {
	b, err := bot.New(cfg, bot.WithConsole(strings.NewReader(""), io.Discard))
	if err != nil {
		return nil, nil, err
	}
	defer b.Stop()
	_, errs := b.Reload()
	return b.Registry(), errs, nil
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration from the environment and .env",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: protocols %s, prefix %q, plugins in %s\n",
				strings.Join(cfg.Protocols, ","), cfg.CommandPrefix, strings.Join(cfg.PluginPaths, ","))
			return nil
		},
	}
}

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List every command and the plugin it comes from",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, errs, err := loadRegistry(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Command", "Aliases", "Level", "Args", "Module", "Source"})
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			for _, s := range reg.List() {
				table.Append([]string{
					cfg.CommandPrefix + s.Name,
					strings.Join(s.Aliases, ", "),
					s.Level.String(),
					s.Arity(),
					s.Module,
					s.Source,
				})
			}
			table.Render()

			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", e)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d plugin(s) failed to load", len(errs))
			}
			return nil
		},
	}
}

func docsCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Write the markdown command reference",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, _, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			if outPath == "-" {
				return docs.Write(cmd.OutOrStdout(), reg, cfg.CommandPrefix)
			}
			return docs.WriteFile(outPath, reg, cfg.CommandPrefix)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "COMMANDS.md", `output file, "-" for stdout`)
	return cmd
}
