package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/gaparb/api"
	"github.com/gregtusar/gaparb/pkg/arbitrage"
	"github.com/gregtusar/gaparb/pkg/models"
	"github.com/gregtusar/gaparb/pkg/notify"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "gaparb",
		Short:        "Cross-exchange gap arbitrage engine",
		Long:         `Scans spot markets listed on several exchanges for bid/ask gaps, opens paired positions when the gap pays for fees and unwinds them once it closes`,
		RunE:         runEngine,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the open and close loops (default)",
			RunE:  runEngine,
		},
		&cobra.Command{
			Use:   "tickets",
			Short: "Load markets and print the tickets that would be scanned",
			RunE:  printTickets,
		},
		&cobra.Command{
			Use:   "opportunities",
			Short: "Print the persisted open opportunities",
			RunE:  printOpportunities,
		},
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfgFile)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher, names, err := app.fetcher()
	if err != nil {
		return err
	}
	tickets, err := arbitrage.PrepareTickets(ctx, fetcher, names, app.cfg.Tickets.ActiveQuotes(), logger)
	if err != nil {
		return fmt.Errorf("prepare tickets: %w", err)
	}

	st, err := app.store(ctx)
	if err != nil {
		return err
	}
	st.LoadOrEmpty(ctx)

	// The websocket hub only receives events while the API serves it.
	var (
		hub     *api.Hub
		streams []notify.Sender
	)
	if app.cfg.Server.Enabled {
		hub = api.NewHub(logger)
		streams = append(streams, hub)
	}

	trading := app.cfg.Trading
	engine := arbitrage.NewEngine(
		arbitrage.Config{
			Investment:        trading.InvestmentAmount(),
			OpenThreshold:     trading.OpenThreshold(),
			CloseThreshold:    trading.CloseThreshold(),
			CheckInterval:     trading.CheckInterval,
			OpenBackoffFactor: trading.OpenBackoffFactor,
			MinCloseInterval:  trading.MinCloseInterval,
			WaitForWidening:   trading.WaitForWidening,
			WideningTimeout:   trading.WideningTimeout,
			MaxOpen:           trading.MaxOpenOpportunities,
			EmergencyClose:    trading.EmergencyClose,
			SpinLimit:         trading.SpinLimit,
		},
		fetcher,
		arbitrage.NewEvaluator(fetcher.Registry(), trading.MinVolumeAmount()),
		arbitrage.NewHistoryValidator(fetcher, trading.CloseThreshold(), trading.HistoryWindow, trading.HistoryInterval, logger),
		st,
		app.notifier(streams...),
		logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx, tickets) })
	if app.cfg.Server.Enabled {
		server := api.NewServer(api.Config{
			Port:      fmt.Sprintf("%d", app.cfg.Server.Port),
			JWTSecret: app.cfg.Server.JWTSecret,
		}, st, engine, hub, logger)
		g.Go(func() error { return hub.Run(ctx) })
		g.Go(func() error { return server.Start(ctx) })
	}

	logger.Info("Gap arbitrage engine is running. Press Ctrl+C to stop.")
	err = g.Wait()

	// The run context is done by now; flush with a fresh deadline.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if perr := st.Persist(flushCtx); perr != nil {
		logger.WithError(perr).Error("Failed to persist opportunities on shutdown")
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("Gap arbitrage engine stopped")
		return nil
	}
	return err
}

func printTickets(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfgFile)
	if err != nil {
		return err
	}
	defer app.Close()

	fetcher, names, err := app.fetcher()
	if err != nil {
		return err
	}
	tickets, err := arbitrage.PrepareTickets(cmd.Context(), fetcher, names, app.cfg.Tickets.ActiveQuotes(), app.logger)
	if err != nil {
		return err
	}
	return printJSON(cmd, tickets)
}

func printOpportunities(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfgFile)
	if err != nil {
		return err
	}
	defer app.Close()

	st, err := app.store(cmd.Context())
	if err != nil {
		return err
	}
	st.LoadOrEmpty(cmd.Context())
	opportunities := st.Snapshot()
	if opportunities == nil {
		opportunities = []models.Opportunity{}
	}
	return printJSON(cmd, opportunities)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
