// cmd/creatornodectl is the CLI client built with Cobra.
//
// Usage:
//
//	creatornodectl export --wallet 0xabc --clock-min 1           --node http://localhost:4000
//	creatornodectl sync --wallet 0xabc --source http://peer:4000 --node http://localhost:4000
//	creatornodectl status --wallet 0xabc                          --node http://localhost:4000
//	creatornodectl select --candidates http://a,http://b
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/audius-infra/creatornode/internal/selector"
	"github.com/audius-infra/creatornode/pkg/cnclient"
)

var (
	nodeAddr string
	timeout  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "creatornodectl",
		Short: "CLI client for the content replication engine",
	}

	root.PersistentFlags().StringVarP(&nodeAddr, "node", "n", "http://localhost:4000", "target node base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "HTTP request timeout")

	root.AddCommand(exportCmd(), syncCmd(), statusCmd(), selectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func exportCmd() *cobra.Command {
	var wallet string
	var clockMin int64
	var clockMax int64

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Pull a bounded clock-range export from a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cnclient.New(nodeAddr, timeout)
			resp, err := c.Export(context.Background(), []string{wallet}, clockMin, clockMax)
			if err != nil {
				return err
			}
			return prettyPrint(resp)
		},
	}
	cmd.Flags().StringVar(&wallet, "wallet", "", "wallet address to export")
	cmd.Flags().Int64Var(&clockMin, "clock-min", 1, "requested clock range min")
	cmd.Flags().Int64Var(&clockMax, "clock-max", 0, "requested clock range max (0 = let the server choose)")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

func syncCmd() *cobra.Command {
	var wallet, source string
	var immediate bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger a sync for a wallet against a source node",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]any{
				"wallet":                wallet,
				"creator_node_endpoint": source,
				"immediate":             immediate,
			})
			req, err := http.NewRequest(http.MethodPost, nodeAddr+"/sync", strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			client := &http.Client{Timeout: timeout}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out map[string]any
			json.NewDecoder(resp.Body).Decode(&out)
			return prettyPrint(out)
		},
	}
	cmd.Flags().StringVar(&wallet, "wallet", "", "wallet to sync")
	cmd.Flags().StringVar(&source, "source", "", "source node to pull from")
	cmd.Flags().BoolVar(&immediate, "immediate", true, "run synchronously instead of enqueueing a debounced sync")
	cmd.MarkFlagRequired("wallet")
	cmd.MarkFlagRequired("source")
	return cmd
}

func statusCmd() *cobra.Command {
	var wallet string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync and clock status for a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: timeout}

			syncResp, err := client.Get(nodeAddr + "/sync_status/" + wallet)
			if err != nil {
				return err
			}
			defer syncResp.Body.Close()
			var syncOut map[string]any
			json.NewDecoder(syncResp.Body).Decode(&syncOut)

			clockResp, err := client.Get(nodeAddr + "/users/clock_status/" + wallet)
			if err != nil {
				return err
			}
			defer clockResp.Body.Close()
			var clockOut map[string]any
			json.NewDecoder(clockResp.Body).Decode(&clockOut)

			return prettyPrint(map[string]any{"sync": syncOut, "clock": clockOut})
		},
	}
	cmd.Flags().StringVar(&wallet, "wallet", "", "wallet to check")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

func selectCmd() *cobra.Command {
	var candidatesFlag string
	var expectedVersion string
	var n int

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Run the replica-selection algorithm against a list of candidate nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var endpoints []selector.Endpoint
			for _, c := range strings.Split(candidatesFlag, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					endpoints = append(endpoints, selector.Endpoint{URL: c})
				}
			}
			decision, err := selector.Select(context.Background(), endpoints, selector.NewHTTPHealthChecker(), selector.Options{
				ExpectedVersion: expectedVersion,
				N:               n,
			})
			if err != nil {
				return err
			}
			return prettyPrint(decision)
		},
	}
	cmd.Flags().StringVar(&candidatesFlag, "candidates", "", "comma-separated candidate node base URLs")
	cmd.Flags().StringVar(&expectedVersion, "expected-version", "", "expected semver (major.minor) of candidates")
	cmd.Flags().IntVar(&n, "n", 3, "replica set size (primary + N-1 secondaries)")
	cmd.MarkFlagRequired("candidates")
	return cmd
}

func prettyPrint(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
