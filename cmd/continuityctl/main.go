package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/continuity/internal/logging"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/continuity/internal/nats"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultNATSURL = "nats://localhost:4222"
)

// cli holds state shared by every subcommand.
type cli struct {
	v      *viper.Viper
	log    *zap.Logger
	client *client
	out    io.Writer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), log: zap.NewNop()}

	root := &cobra.Command{
		Use:          "continuityctl",
		Short:        "Command line client for the continuity registry",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.v.GetBool("verbose") {
				l, err := logging.New("debug", logging.FormatConsole)
				if err != nil {
					return err
				}
				c.log = l
			}
			c.client = newClient(c.v.GetString("server"), c.v.GetDuration("timeout"))
			c.out = cmd.OutOrStdout()
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.String("server", defaultServer, "continuity HTTP address")
	pf.String("nats-url", defaultNATSURL, "NATS URL for CLI events; empty disables them")
	pf.Duration("timeout", 30*time.Second, "request timeout")
	pf.BoolP("verbose", "v", false, "log debug output to stderr")
	for _, name := range []string{"server", "nats-url", "timeout", "verbose"} {
		_ = c.v.BindPFlag(name, pf.Lookup(name))
	}
	c.v.SetEnvPrefix("CONTINUITY")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		c.pingCmd(),
		c.createCmd(),
		c.getCmd(),
		c.listCmd(),
		c.recordCmd(),
		c.recomputeCmd(),
		c.removeCmd(),
		c.snapshotCmd(),
	)
	return root
}

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]string
			if err := c.client.do(cmd.Context(), http.MethodGet, "/ping", nil, nil, &out); err != nil {
				return err
			}
			fmt.Fprintln(c.out, out["msg"])
			return nil
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	var (
		attrs []string
		key   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			var headers map[string]string
			if key != "" {
				headers = map[string]string{"Idempotency-Key": key}
			}
			var out struct {
				ID string `json:"id"`
			}
			if err := c.client.do(cmd.Context(), http.MethodPost, "/v1/instances", headers,
				map[string]any{"state": state}, &out); err != nil {
				return err
			}
			fmt.Fprintln(c.out, out.ID)
			c.notify(cmd.Context(), "cli.create", out.ID, 0)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&attrs, "set", "s", nil, "initial attribute as key=value (repeatable)")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "make retries return the same instance")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Print an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/v1/instances/"+args[0], nil, nil, &out); err != nil {
				return err
			}
			return c.printJSON(out)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live instance ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				IDs []string `json:"ids"`
			}
			if err := c.client.do(cmd.Context(), http.MethodGet, "/v1/instances", nil, nil, &out); err != nil {
				return err
			}
			for _, id := range out.IDs {
				fmt.Fprintln(c.out, id)
			}
			return nil
		},
	}
}

func (c *cli) recordCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "record ID",
		Short: "Append an event to an instance's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON: %s", payload)
			}
			var out struct {
				Version uint64 `json:"version"`
			}
			if err := c.client.do(cmd.Context(), http.MethodPost, "/v1/instances/"+args[0]+"/events", nil,
				map[string]any{"payload": json.RawMessage(payload)}, &out); err != nil {
				return err
			}
			fmt.Fprintln(c.out, out.Version)
			c.notify(cmd.Context(), "cli.record", args[0], out.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "event payload as JSON")
	return cmd
}

func (c *cli) recomputeCmd() *cobra.Command {
	var (
		derivation string
		params     []string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recompute ID",
		Short: "Run a derivation over an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseAttrs(params)
			if err != nil {
				return err
			}
			body := map[string]any{
				"derivation": derivation,
				"params":     p,
				"timeout_ms": timeout.Milliseconds(),
			}
			var out json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodPost, "/v1/instances/"+args[0]+"/recompute", nil, body, &out); err != nil {
				return err
			}
			var inst struct {
				Version uint64 `json:"version"`
			}
			_ = json.Unmarshal(out, &inst)
			c.notify(cmd.Context(), "cli.recompute", args[0], inst.Version)
			return c.printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&derivation, "derivation", "d", "", "derivation name (merge, clear, tally, optimize)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "derivation parameter as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "recompute-timeout", 0, "server side bound; zero uses the server default")
	_ = cmd.MarkFlagRequired("derivation")
	return cmd
}

func (c *cli) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID",
		Short: "Remove an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.do(cmd.Context(), http.MethodDelete, "/v1/instances/"+args[0], nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "removed", args[0])
			c.notify(cmd.Context(), "cli.remove", args[0], 0)
			return nil
		},
	}
}

func (c *cli) snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the aggregate metric snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out json.RawMessage
			if err := c.client.do(cmd.Context(), http.MethodGet, "/v1/metrics/snapshot", nil, nil, &out); err != nil {
				return err
			}
			return c.printJSON(out)
		},
	}
}

func (c *cli) printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// notify publishes a CLI event. Failures are logged and otherwise ignored.
func (c *cli) notify(ctx context.Context, event, id string, version uint64) {
	url := c.v.GetString("nats-url")
	if url == "" {
		return
	}
	p, err := natsclient.NewPublisher(url, "continuityctl", c.log)
	if err != nil {
		c.log.Debug("nats unavailable", zap.String("url", url), zap.Error(err))
		return
	}
	defer func() { _ = p.Close() }()

	ev := natsclient.LifecycleEvent{Event: event, ID: id, Version: version, Time: time.Now().UTC()}
	if err := p.PublishLifecycle(ctx, natsclient.SubjectCLI, ev); err != nil {
		c.log.Debug("publish cli event", zap.Error(err))
	}
}

// parseAttrs turns key=value pairs into state. Values that parse as a JSON
// scalar keep their type; anything else is a string.
func parseAttrs(pairs []string) (models.State, error) {
	state := make(models.State, len(pairs))
	for _, pair := range pairs {
		k, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("attribute %q: want key=value", pair)
		}
		if !models.ValidKey(k) {
			return nil, fmt.Errorf("attribute %q: %w", k, models.ErrInvalidKey)
		}
		var v models.Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = models.String(raw)
		}
		state[k] = v
	}
	return state, nil
}
