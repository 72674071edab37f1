package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/memosync/internal/apiclient"
	"github.com/agentworkforce/memosync/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
	server     string
	token      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "memosync",
		Short:        "Sync memos between the record store and a Notion database",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", os.Getenv("MEMOSYNC_CONFIG"), "path to a config file (yaml, json, or toml)")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("MEMOSYNC_SERVER", "http://127.0.0.1:8080"), "memosync server URL for client commands")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("MEMOSYNC_TOKEN"), "bearer token for client commands")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newMemoCmd(opts),
		newLinkCodeCmd(opts),
		newStatusCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) client() (*apiclient.Client, error) {
	if strings.TrimSpace(o.token) == "" {
		return nil, fmt.Errorf("a token is required (--token or MEMOSYNC_TOKEN)")
	}
	return apiclient.New(o.server, o.token, nil), nil
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
