package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/abhisek/threadlab/internal/engine"
	"github.com/abhisek/threadlab/internal/llm"
	"github.com/abhisek/threadlab/internal/metrics"
	"github.com/abhisek/threadlab/internal/ratelimit"
)

var runCmd = &cobra.Command{
	Use:   "run <experiment-id>",
	Short: "Run an experiment, skipping units that already have predictions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		return runExperiment(cmd, args[0], engine.RunOptions{MaxConcurrent: maxConcurrent})
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue <experiment-id>",
	Short: "Resume a paused or failed experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExperiment(cmd, args[0], engine.RunOptions{})
	},
}

func init() {
	runCmd.Flags().Int("max-concurrent", 0, "Override engine.max_concurrent for this run")
}

// runExperiment wires the engine and drives one experiment. SIGINT and
// SIGTERM cancel the run, which leaves the experiment paused.
func runExperiment(cmd *cobra.Command, id string, opts engine.RunOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewEngineMetrics(reg)

	if addr := appConfig.Metrics.Addr; addr != "" {
		shutdown := serveMetrics(addr, reg)
		defer shutdown()
	}

	limiter := ratelimit.NewRegistry(appConfig.LLM.RateLimit, ratelimit.WithObserver(m))
	newProvider := func(apiKey string) (llm.Provider, error) {
		return llm.NewProvider(appConfig.LLM, apiKey, llm.ClientOptions{Limiter: limiter}, m)
	}

	eng := engine.New(s, newProvider, appConfig.EngineSettings(), m)
	res, runErr := eng.RunExperiment(ctx, id, opts)
	if res != nil {
		if err := printJSON(cmd, res); err != nil {
			return err
		}
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Experiment %s paused. Resume with: threadlab continue %s\n", id, id)
			return nil
		}
		return runErr
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving /metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
