package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/toolchannel"
	"github.com/harun/parley/pkg/tools"
)

var (
	toolsTimeout time.Duration
	toolsJSON    bool
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered by the configured provider",
	Long: `Connect to the configured tool provider, perform the handshake and print
its tool manifest.`,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().DurationVar(&toolsTimeout, "timeout", 15*time.Second, "how long to wait for the provider")
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print the raw manifest as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ch, err := newToolChannel(cfg.ToolChannel, zerolog.Nop())
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), toolsTimeout)
	defer cancel()

	if err := ch.Start(ctx); err != nil {
		return err
	}
	if err := ch.WaitReady(ctx); err != nil {
		return fmt.Errorf("tool provider not ready: %w", err)
	}

	return printManifest(cmd.OutOrStdout(), ch.Registry(), toolsJSON)
}

func newToolChannel(tc config.ToolChannelConfig, logger zerolog.Logger) (*toolchannel.Channel, error) {
	dialer, err := tc.Dialer()
	if err != nil {
		return nil, err
	}

	chCfg := toolchannel.DefaultConfig(dialer)
	if tc.HandshakeTimeout > 0 {
		chCfg.HandshakeTimeout = tc.HandshakeTimeout
	}
	if tc.RetryInitialInterval > 0 {
		chCfg.RetryInitialInterval = tc.RetryInitialInterval
	}
	if tc.RetryMaxInterval > 0 {
		chCfg.RetryMaxInterval = tc.RetryMaxInterval
	}
	chCfg.ClientVersion = version
	chCfg.Logger = logger

	return toolchannel.New(chCfg), nil
}

func printManifest(w io.Writer, reg *tools.Registry, asJSON bool) error {
	if reg == nil {
		return fmt.Errorf("no tool manifest available")
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reg.Descriptors())
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tPARAMETERS\tDESCRIPTION\n")
	for _, d := range reg.Descriptors() {
		params := make([]string, 0)
		for _, p := range d.Parameters() {
			name := p.Name
			if p.Required {
				name += "*"
			}
			params = append(params, name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, strings.Join(params, ","), d.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d tools (manifest epoch %d)\n", reg.Len(), reg.Epoch())
	return nil
}
