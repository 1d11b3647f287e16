package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironid/apperr"
	"github.com/jmcleod/ironid/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type options struct {
	configPath string
	dataDir    string
}

// load reads the configuration and applies flag overrides.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.Storage.Path = filepath.Join(o.dataDir, "ironid.db")
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "ironid",
		Short: "IronID is an identity trust service",
		Long: `An identity trust service that verifies email addresses and phone numbers,
publishes signed third-party identifier associations and issues room invitations.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Directory for the bbolt database (overrides storage.path)")

	root.AddCommand(newServerCmd(opts), newKeysCmd(opts))
	return root
}

// printError writes err to w as a boundary payload.
func printError(w io.Writer, err error) {
	b, mErr := json.Marshal(apperr.Describe(err))
	if mErr != nil {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintln(w, string(b))
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
