// Command verify is a read-only check of the configured OKX account: it
// lists the strongest funding rates and runs the opportunity evaluator on
// them without placing orders.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/logging"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/strategy"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultVerifyEnvFile = ".env"
	defaultTop           = 10
	verifyTimeout        = time.Minute
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	symbol := flag.String("symbol", "", "evaluate one symbol such as BTC/USDT (default: the top funding rates)")
	top := flag.Int("top", defaultTop, "number of funding rates to list and evaluate")
	equityFlag := flag.Float64("equity", 0, "account equity to size with when api credentials are absent")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	ex := exchange.NewFromConfig(cfg.Exchange, market.NewFundingCache(), log.Named("okx"))
	if *symbol != "" {
		ex.RestrictSymbols([]string{strings.ToUpper(*symbol)})
	} else {
		ex.RestrictSymbols(cfg.Strategy.Symbols)
	}

	equity, err := verifyEquity(ctx, ex, cfg, *equityFlag)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("equity: %s USDT\n", equity.StringFixed(2))

	rates, err := ex.FundingRates(ctx)
	if err != nil {
		fatal(err)
	}
	sort.SliceStable(rates, func(i, j int) bool {
		return rates[i].Rate.Abs().GreaterThan(rates[j].Rate.Abs())
	})
	if *top > 0 && len(rates) > *top {
		rates = rates[:*top]
	}
	printRates(rates)

	evaluator := strategy.NewEvaluator(cfg.Strategy, cfg.Risk, cfg.Exchange.FundingIntervalsPerDay, ex, log.Named("evaluator"))
	for _, rate := range rates {
		d, err := evaluator.Evaluate(ctx, strategy.EvalInput{Funding: rate, Equity: equity})
		switch {
		case err == nil:
			fmt.Printf("%s: GO %s notional=%s qty=%s net_apr=%s (%s)\n",
				d.Symbol, d.Direction, d.Notional.StringFixed(2), d.Quantity.String(), d.NetAPR.StringFixed(4), d.Reason)
		case strategy.IsRejection(err):
			fmt.Printf("%s: no-go: %v\n", rate.Symbol, err)
		default:
			log.Error("evaluation failed", zap.String("symbol", rate.Symbol), zap.Error(err))
			os.Exit(1)
		}
	}
}

func verifyEquity(ctx context.Context, ex *exchange.Exchange, cfg *config.Config, override float64) (decimal.Decimal, error) {
	if override > 0 {
		return decimal.NewFromFloat(override), nil
	}
	if cfg.Exchange.APIKey == "" {
		return decimal.Zero, errors.New("api credentials are missing: pass -equity to size without them")
	}
	return ex.AccountEquity(ctx)
}

func printRates(rates []market.FundingRate) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Symbol", "Rate", "Next", "Funding time", "Intervals/day")
	for _, rate := range rates {
		next := "-"
		if !rate.NextRate.IsZero() {
			next = rate.NextRate.String()
		}
		table.Append(
			rate.Symbol,
			rate.Rate.String(),
			next,
			rate.FundingTime.UTC().Format(time.RFC3339),
			fmt.Sprintf("%d", rate.IntervalsPerDay),
		)
	}
	table.Render()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
	os.Exit(1)
}
