package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/geo"
	"github.com/wgdzlh/rvpipe/log"
	"github.com/wgdzlh/rvpipe/metrics"
	"github.com/wgdzlh/rvpipe/pipeline"
)

func parseCommands(args []string) (ret []pipeline.Command, err error) {
	for _, a := range args {
		c, perr := pipeline.ParseCommand(a)
		if perr != nil {
			return nil, perr
		}
		ret = append(ret, c)
	}
	return
}

func loadConfigs(ctx context.Context, uris []string) (ret []*pipeline.Config, err error) {
	if len(uris) == 0 {
		return nil, errors.New("at least one --config is required")
	}
	fs := fileio.New(fileio.Options{})
	for _, u := range uris {
		cfg, lerr := pipeline.LoadConfig(ctx, fs, u)
		if lerr != nil {
			return nil, fmt.Errorf("%s: %w", u, lerr)
		}
		ret = append(ret, cfg)
	}
	return
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

func runCmd() *cobra.Command {
	var (
		configs     []string
		force       bool
		parallel    int
		metricsAddr string
	)
	c := &cobra.Command{
		Use:   "run [command...]",
		Short: "Run commands (all when none given) for one or more pipeline configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmds, err := parseCommands(args)
			if err != nil {
				return err
			}
			cfgs, err := loadConfigs(ctx, configs)
			if err != nil {
				return err
			}
			geo.RegisterDrivers()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			rec, err := metrics.New(reg)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, reg)
				defer srv.Close()
			}

			ps := make([]*pipeline.Pipeline, 0, len(cfgs))
			defer func() {
				for _, p := range ps {
					p.Close()
				}
			}()
			for _, cfg := range cfgs {
				p, perr := pipeline.New(cfg, pipeline.WithMetrics(rec), pipeline.WithForce(force))
				if perr != nil {
					return fmt.Errorf("pipeline %s: %w", cfg.ID, perr)
				}
				ps = append(ps, p)
			}
			return pipeline.RunAll(ctx, ps, parallel, cmds...)
		},
	}
	c.Flags().StringArrayVarP(&configs, "config", "c", nil, "pipeline config URI (repeatable)")
	c.Flags().BoolVar(&force, "force", false, "re-execute commands that are up to date")
	c.Flags().IntVarP(&parallel, "parallel", "p", 1, "pipelines run concurrently")
	c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return c
}

func validateCmd() *cobra.Command {
	var configs []string
	c := &cobra.Command{
		Use:   "validate [command...]",
		Short: "Check configs and what the given commands need from them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmds, err := parseCommands(args)
			if err != nil {
				return err
			}
			if len(cmds) == 0 {
				cmds = pipeline.Commands
			}
			cfgs, err := loadConfigs(cmd.Context(), configs)
			if err != nil {
				return err
			}
			var errs []error
			for _, cfg := range cfgs {
				if verr := cfg.ValidateFor(cmds); verr != nil {
					errs = append(errs, fmt.Errorf("pipeline %s: %w", cfg.ID, verr))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfg.ID)
			}
			return errors.Join(errs...)
		},
	}
	c.Flags().StringArrayVarP(&configs, "config", "c", nil, "pipeline config URI (repeatable)")
	return c
}
