// Copyright 2025 originproto
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/originproto/rov/pkg/log"
	"github.com/originproto/rov/pkg/private/serrors"
	"github.com/originproto/rov/rovd"
	"github.com/originproto/rov/rovd/config"
)

func main() {
	executable := newRootCommand()
	if err := executable.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rovd",
		Short:         "RPKI route origin validation daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(
		newRunCommand(),
		newSampleCommand(),
		newValidateCommand(),
		newStatusCommand(),
	)
	return cmd
}

func newRunCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if err := log.Setup(cfg.Logging); err != nil {
				return serrors.Wrap("setting up logging", err)
			}
			defer log.HandlePanic()

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			daemon := &rovd.Daemon{
				Config:  cfg,
				Metrics: rovd.NewMetrics(),
			}
			log.Info("Daemon starting", "caches", len(cfg.Caches))
			return daemon.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Configuration file (required)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newSampleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Print a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			cfg.Sample(cmd.OutOrStdout())
			return nil
		},
	}
}

// apiFlag registers the --api flag and its ROVD_API environment fallback.
func apiFlag(cmd *cobra.Command) {
	cmd.Flags().String("api", "localhost"+config.DefaultAPIAddr,
		"Address of the management API of a running daemon")
	viper.BindPFlag("api", cmd.Flags().Lookup("api"))
	viper.BindEnv("api", "ROVD_API")
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <prefix> <asn>",
		Short: "Validate a route announcement against a running daemon",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := netip.ParsePrefix(args[0])
			if err != nil {
				return serrors.Wrap("parsing prefix", err, "prefix", args[0])
			}
			asn, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return serrors.Wrap("parsing asn", err, "asn", args[1])
			}
			query := url.Values{
				"prefix": []string{prefix.String()},
				"asn":    []string{strconv.FormatUint(asn, 10)},
			}
			var res struct {
				Verdict  string   `json:"verdict"`
				Serial   uint32   `json:"serial"`
				Covering []string `json:"covering"`
			}
			if err := apiGet(cmd.Context(), "/validate?"+query.Encode(), &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s AS%d: %s (serial %d)\n",
				prefix, asn, colorVerdict(res.Verdict), res.Serial)
			for _, c := range res.Covering {
				fmt.Fprintf(cmd.OutOrStdout(), "  covered by %s\n", c)
			}
			return nil
		},
	}
	apiFlag(cmd)
	return cmd
}

func colorVerdict(verdict string) string {
	switch verdict {
	case "valid":
		return color.GreenString(verdict)
	case "invalid":
		return color.RedString(verdict)
	default:
		return color.YellowString(verdict)
	}
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session status of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiGetRaw(cmd.Context(), "/diagnostics")
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(body)
			return nil
		},
	}
	apiFlag(cmd)
	return cmd
}

func apiGet(ctx context.Context, path string, result any) error {
	body, err := apiGetRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return serrors.Wrap("decoding API response", err)
	}
	return nil
}

func apiGetRaw(ctx context.Context, path string) ([]byte, error) {
	endpoint := "http://" + viper.GetString("api") + path
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, serrors.Wrap("building API request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, serrors.Wrap("querying API", err, "endpoint", endpoint)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, serrors.Wrap("reading API response", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, serrors.New("API error",
				"status", resp.Status, "err", apiErr.Error)
		}
		return nil, serrors.New("API error", "status", resp.Status)
	}
	return body, nil
}
