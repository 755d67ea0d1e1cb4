package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/solrun/internal/chain"
	"github.com/sawpanic/solrun/internal/config"
	"github.com/sawpanic/solrun/internal/engine"
	"github.com/sawpanic/solrun/internal/exec"
	"github.com/sawpanic/solrun/internal/exposure"
	"github.com/sawpanic/solrun/internal/feed"
	"github.com/sawpanic/solrun/internal/httpapi"
	"github.com/sawpanic/solrun/internal/jupiter"
	"github.com/sawpanic/solrun/internal/ledger"
	"github.com/sawpanic/solrun/internal/market"
	"github.com/sawpanic/solrun/internal/risk"
	"github.com/sawpanic/solrun/internal/scan"
	"github.com/sawpanic/solrun/internal/telemetry"
	"github.com/sawpanic/solrun/internal/wallet"
)

const (
	appName = "solrun"
	version = "v0.3.0"
)

var flagConfig string

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Autonomous Solana DeFi strategy agent",
		Version: version,
		Long: `solrun continuously scans DeFi market state, scores arbitrage and
yield-rebalancing opportunities, gates them through risk checks and drives
approved trades through the swap aggregator and managed wallet to a
definite terminal outcome.`,
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().AddFlagSet(pflag.CommandLine)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent loop",
		RunE:  runAgent,
	}
	runCmd.Flags().Bool("dry-run", false, "synthetic feed and stub collaborators, no live endpoints")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "One-shot scan over synthetic data, printed as JSON",
		RunE:  runScanOnce,
	}

	rootCmd.AddCommand(runCmd, scanCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("configuration is corrupt, refusing to start: %w", err)
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if dryRun {
		cfg.Agent.DryRun = true
	}
	applyLogLevel(cfg.Agent.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	view := market.NewView()
	exp := exposure.NewLedger(cfg.Agent.CapitalCeiling)

	outcomes, closers, err := buildLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	var sink exec.TransitionSink = metrics
	if len(cfg.Kafka.Brokers) > 0 {
		pub := telemetry.NewKafkaPublisher(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sink = telemetry.MultiSink{metrics, pub}
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).
			Msg("kafka event stream enabled")
	}

	scanner := scan.NewScanner(cfg.Scanner, outcomes,
		scan.NewCrossVenueArb(cfg.CrossVenue), scan.NewYieldRebalance(cfg.Yield))
	filter := risk.NewFilter(cfg.Risk)

	background := []func(context.Context) error{}

	var agg exec.Aggregator
	var wal exec.Wallet
	var notifier chain.Notifier

	if cfg.Agent.DryRun {
		log.Warn().Msg("dry-run mode: synthetic feed, stub aggregator and wallet")
		stub := chain.NewStubNotifier()
		agg = &dryAggregator{view: view, ttl: cfg.Jupiter.QuoteTTL()}
		wal = &dryWallet{notifier: stub}
		notifier = stub
		synth := feed.NewSynthetic(view, time.Second, dryRunInstruments())
		background = append(background, synth.Run)
	} else {
		creds, err := wallet.LoadCredentials(cfg.Wallet.ConfigPath)
		if err != nil {
			return fmt.Errorf("wallet credentials unusable: %w", err)
		}
		wc := wallet.NewClient(cfg.Wallet, creds)
		pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = wc.Ping(pingCtx)
		cancel()
		if err != nil {
			// Wallet unreachable at startup is a system-wide fatal.
			return err
		}

		jup := jupiter.NewClient(cfg.Jupiter)
		agg = jup
		wal = wallet.NewSigner(jup, wc)

		ws := chain.NewWSNotifier(cfg.Chain.WSURL)
		notifier = ws
		background = append(background, ws.Run)
		background = append(background, feed.NewWSFeed(cfg.Feed.URL, view).Run)
	}

	coord := exec.New(cfg.Exec, agg, wal, notifier, exp, outcomes, sink)
	eng := engine.New(view, scanner, filter, coord, exp, metrics, cfg.Agent.ScanInterval())
	server := httpapi.NewServer(cfg.HTTP.Addr, func() any { return eng.Status() }, reg)

	background = append(background, coord.Run, server.Run, eng.Run)

	errCh := make(chan error, len(background))
	for _, bg := range background {
		bg := bg
		go func() { errCh <- bg(ctx) }()
	}

	log.Info().Str("version", version).Float64("capital_ceiling", cfg.Agent.CapitalCeiling).
		Bool("dry_run", cfg.Agent.DryRun).Msg("agent started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// Give background loops a moment to drain.
	deadline := time.After(10 * time.Second)
	for range background {
		select {
		case <-errCh:
		case <-deadline:
			log.Warn().Msg("shutdown grace period elapsed")
			return nil
		}
	}
	return nil
}

func buildLedger(ctx context.Context, cfg config.Config) (*ledger.Ledger, []func(), error) {
	var store ledger.Store
	var cache ledger.ResolutionCache
	var closers []func()

	var pg *ledger.PostgresStore
	if cfg.Postgres.DSN != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, closers, fmt.Errorf("outcome store unavailable: %w", err)
		}
		pg = ledger.NewPostgresStore(db, 5*time.Second)
		store = pg
		closers = append(closers, func() { _ = db.Close() })
		log.Info().Msg("postgres outcome store enabled")
	}
	if cfg.Redis.Addr != "" {
		client := redisv9.NewClient(&redisv9.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = ledger.NewRedisCache(client, "")
		closers = append(closers, func() { _ = client.Close() })
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis resolution cache enabled")
	}
	l := ledger.New(store, cache)
	if pg != nil {
		recs, err := pg.RecentOutcomes(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			log.Warn().Err(err).Msg("outcome warm start failed, cooldowns reset")
		} else if len(recs) > 0 {
			l.Warm(recs)
			log.Info().Int("records", len(recs)).Msg("outcome history warmed from store")
		}
	}
	return l, closers, nil
}

func runScanOnce(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyLogLevel("warn")

	view := market.NewView()
	now := time.Now()
	for i, inst := range dryRunInstruments() {
		price := 170.0 * (1 + 0.005*float64(i))
		if err := view.IngestUpdate(inst, price, 800, 0.04+0.01*float64(i), now.Add(time.Duration(i))); err != nil {
			return err
		}
	}

	scanner := scan.NewScanner(cfg.Scanner, nil,
		scan.NewCrossVenueArb(cfg.CrossVenue), scan.NewYieldRebalance(cfg.Yield))
	opps := scanner.Scan(view.Current())

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(opps)
}

func dryRunInstruments() []market.Instrument {
	return []market.Instrument{
		{Base: "SOL", Quote: "USDC", Venue: "raydium"},
		{Base: "SOL", Quote: "USDC", Venue: "orca"},
		{Base: "SOL", Quote: "USDC", Venue: "phoenix"},
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
