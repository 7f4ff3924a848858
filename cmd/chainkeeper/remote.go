package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/chainkeeper/internal/api"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
	"github.com/nerrad567/chainkeeper/internal/orchestrator"
)

// requestTimeout bounds API calls that return at once. Stop and reset can
// wait for a graceful shutdown, so they get the longer budget.
const (
	requestTimeout = 10 * time.Second
	commandTimeout = 2 * time.Minute
)

// remoteOptions locate a running daemon.
type remoteOptions struct {
	server string
	token  string
}

func (r *remoteOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.server, "server", "", "daemon base URL (default from the api section of the config)")
	cmd.Flags().StringVar(&r.token, "token", os.Getenv("CHAINKEEPER_TOKEN"), "bearer token (env CHAINKEEPER_TOKEN)")
}

// client builds an apiClient, deriving the URL from cfg when --server is unset.
func (r *remoteOptions) client(opts *rootOptions) (*apiClient, error) {
	base := r.server
	if base == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, err
		}
		base = serverURL(cfg.API)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	return &apiClient{
		base:  strings.TrimSuffix(base, "/") + "/api/v1",
		token: r.token,
		http:  &http.Client{},
	}, nil
}

// serverURL returns the daemon's base URL for the given API settings.
func serverURL(cfg config.APIConfig) string {
	scheme := "http"
	if cfg.TLS.Enabled {
		scheme = "https"
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, cfg.Port)
}

// apiClient calls the daemon's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// do sends a request and decodes a 2xx JSON body into v. Command failures
// (409) are decoded too, since they carry the result.
func (c *apiClient) do(ctx context.Context, method, path string, body, v any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting chainkeeper daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		var apiErr api.Error
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Message)
		}
		return fmt.Errorf("unexpected response: %s", resp.Status)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// command posts a chain command and turns a failed result into an error.
func (c *apiClient) command(ctx context.Context, path string, body any) error {
	var res orchestrator.Result
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return err
	}
	return res.Err()
}

func (c *apiClient) chains(ctx context.Context) ([]orchestrator.ChainStatus, error) {
	var body struct {
		Chains []orchestrator.ChainStatus `json:"chains"`
	}
	if err := c.do(ctx, http.MethodGet, "/chains", nil, &body); err != nil {
		return nil, err
	}
	return body.Chains, nil
}

func (c *apiClient) chain(ctx context.Context, id string) (orchestrator.ChainStatus, error) {
	var st orchestrator.ChainStatus
	err := c.do(ctx, http.MethodGet, "/chains/"+url.PathEscape(id), nil, &st)
	return st, err
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	remote := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   "status [chain]",
		Short: "Show chain status from the running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			var chains []orchestrator.ChainStatus
			if len(args) == 1 {
				st, err := c.chain(ctx, args[0])
				if err != nil {
					return err
				}
				chains = append(chains, st)
			} else if chains, err = c.chains(ctx); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), chains)
			return nil
		},
	}
	remote.bind(cmd)
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	remote := &remoteOptions{}
	var force bool
	cmd := &cobra.Command{
		Use:   "stop <chain>",
		Short: "Stop a chain on the running daemon",
		Long: `Stop a chain on the running daemon. A chain with running dependents is
refused unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			if err := c.command(ctx, "/chains/"+url.PathEscape(args[0])+"/stop", api.StopRequest{Force: force}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "stop even if dependents are running")
	remote.bind(cmd)
	return cmd
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	remote := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   "reset <chain>",
		Short: "Remove a chain's binaries and data on the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			if err := c.command(ctx, "/chains/"+url.PathEscape(args[0])+"/reset", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: reset\n", args[0])
			return nil
		},
	}
	remote.bind(cmd)
	return cmd
}

// printStatus renders chain statuses as a table.
func printStatus(out io.Writer, chains []orchestrator.ChainStatus) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tSTATUS\tPID\tUPTIME\tDETAIL")
	for _, st := range chains {
		pid, uptime := "-", "-"
		if st.Process.PID > 0 {
			pid = fmt.Sprint(st.Process.PID)
			uptime = st.Process.Uptime.Truncate(time.Second).String()
		}
		detail := st.Process.LastError
		if st.Download != nil {
			detail = fmt.Sprintf("%.1f%%", st.Download.ProgressPercent)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.ChainID, st.Status, pid, uptime, detail)
	}
	tw.Flush() //nolint:errcheck // terminal output
}
