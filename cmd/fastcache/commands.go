package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/fastcache"
	"github.com/unkn0wn-root/fastcache/config"
	"github.com/unkn0wn-root/fastcache/keyexpr"
)

func getCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print a cached entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := open(cmd, config.BuildOptions{})
			if err != nil {
				return err
			}
			defer closeQuietly(c)

			e, ok, err := c.Client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: not found", args[0])
			}
			value, err := json.Marshal(e.Value)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "KEY\t%s\n", args[0])
			fmt.Fprintf(w, "TYPE\t%s\n", e.Type)
			fmt.Fprintf(w, "ORIGIN\t%s\n", e.Origin)
			fmt.Fprintf(w, "CREATED\t%s\n", e.CreatedAt.Format(time.RFC3339))
			if !e.ExpiresAt.IsZero() {
				fmt.Fprintf(w, "EXPIRES\t%s\n", e.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "VALUE\t%s\n", value)
			return w.Flush()
		},
	}
}

func setCmd(open opener) *cobra.Command {
	var (
		ttl    time.Duration
		asJSON bool
		locked bool
	)

	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a value unless the key already exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any = args[1]
			if asJSON {
				if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
					return fmt.Errorf("value: %w", err)
				}
			}

			c, cfg, err := open(cmd, config.BuildOptions{})
			if err != nil {
				return err
			}
			defer closeQuietly(c)

			var wrote bool
			if lc, ok := c.Client.(*fastcache.LockingClient); ok && locked {
				var res fastcache.LockResult
				wrote, res, err = lc.SetExclusive(cmd.Context(), args[0], fastcache.NewEntry(v), ttl, cfg.LockOptions())
				if err == nil && !res.Acquired() {
					err = res.Err
				}
			} else {
				wrote, err = c.Client.Set(cmd.Context(), args[0], fastcache.NewEntry(v), ttl)
			}
			if err != nil {
				return err
			}
			if wrote {
				fmt.Fprintln(cmd.OutOrStdout(), "stored")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "exists")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Entry lifetime (0 = no expiry)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Parse VALUE as JSON")
	cmd.Flags().BoolVar(&locked, "locked", false, "Write under the distributed lock (redis backend)")
	return cmd
}

func deleteCmd(open opener) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "delete PATTERN",
		Short: "Delete a key, or every key matching a '*' pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := open(cmd, config.BuildOptions{})
			if err != nil {
				return err
			}
			defer closeQuietly(c)

			if err := c.Client.DeleteWithPrefix(cmd.Context(), args[0], prefix); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Key prefix joined with ':'")
	return cmd
}

func searchCmd(open opener) *cobra.Command {
	var pageSize, maxResults int

	cmd := &cobra.Command{
		Use:   "search PATTERN",
		Short: "List keys matching a glob (redis backend)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := open(cmd, config.BuildOptions{})
			if err != nil {
				return err
			}
			defer closeQuietly(c)
			if c.Searcher == nil {
				return errors.New("search requires the redis backend")
			}

			opts := fastcache.SearchOptions{Pattern: args[0], PageSize: pageSize, MaxResults: maxResults}
			for k, err := range c.Searcher.FuzzySearch(cmd.Context(), opts) {
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", fastcache.DefaultSearchPageSize, "Keys requested per SCAN round-trip")
	cmd.Flags().IntVar(&maxResults, "max", 0, "Stop after this many keys (0 = unlimited)")
	return cmd
}

func lockCmd(open opener) *cobra.Command {
	var hold, wait, expiry time.Duration

	cmd := &cobra.Command{
		Use:   "lock NAME",
		Short: "Acquire a distributed lease, hold it, then release it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := open(cmd, config.BuildOptions{})
			if err != nil {
				return err
			}
			defer closeQuietly(c)
			if c.Locker == nil {
				return errors.New("lock requires the redis backend")
			}

			opts := cfg.LockOptions()
			if wait > 0 {
				opts.WaitTime = wait
			}
			if expiry > 0 {
				opts.Expiry = expiry
			}
			opts.ThrowOnLockFailure = true

			start := time.Now()
			res, err := c.Locker.RunExclusive(cmd.Context(), args[0], func(ctx context.Context) error {
				fmt.Fprintf(cmd.OutOrStdout(), "acquired %s after %v\n", args[0], time.Since(start).Round(time.Millisecond))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(hold):
					return nil
				}
			}, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Status)
			return res.Err
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", time.Second, "How long to hold the lease")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Acquisition budget (0 = config)")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Lease lifetime (0 = config)")
	return cmd
}

func keyCmd() *cobra.Command {
	var (
		prefix  string
		rawArgs []string
	)

	cmd := &cobra.Command{
		Use:   "key TEMPLATE",
		Short: "Render a key template, e.g. 'user:{user:id}' --arg user='{\"id\":7}'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make(map[string]any, len(rawArgs))
			for _, a := range rawArgs {
				name, raw, ok := strings.Cut(a, "=")
				if !ok || name == "" {
					return fmt.Errorf("--arg %q: want name=json", a)
				}
				var v any
				if err := json.Unmarshal([]byte(raw), &v); err != nil {
					// bare words are plain strings
					v = raw
				}
				params[name] = v
			}
			fmt.Fprintln(cmd.OutOrStdout(), keyexpr.Key(prefix, args[0], params))
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Prefix joined with ':'")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Template argument (name=json)")
	return cmd
}

func serveMetricsCmd(open opener) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve store metrics for Prometheus until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			c, _, err := open(cmd, config.BuildOptions{Metrics: reg})
			if err != nil {
				return err
			}
			defer closeQuietly(c)

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			c.Logger.Info("fastcache: serving metrics", fastcache.Fields{"addr": addr})

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")
	return cmd
}
