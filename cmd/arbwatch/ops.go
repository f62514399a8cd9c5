package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"arbwatch/internal/config"
	"arbwatch/internal/database"
	"arbwatch/internal/exchange"
	"arbwatch/internal/model"
)

func runInitExchanges(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("init-exchanges", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.repo.Migrate(ctx); err != nil {
		return err
	}
	for _, ex := range exchange.DefaultExchanges() {
		if err := a.repo.UpsertExchange(ctx, &ex); err != nil {
			return err
		}
		fmt.Printf("%-8s id=%d %s\n", ex.Name, ex.ID, ex.BaseURL)
	}
	return nil
}

// supportedExchange rejects names without a registered client.
func supportedExchange(name string) error {
	if exchange.Has(name) {
		return nil
	}
	return fmt.Errorf("%w: %s (known: %s)", exchange.ErrUnknownExchange, name, strings.Join(exchange.Names(), ", "))
}

// checkInterval rejects intervals outside the configured allow-list.
func checkInterval(s config.Settings, interval string) error {
	if s.IntervalAllowed(interval) {
		return nil
	}
	return fmt.Errorf("%w: %q (allowed: %s)", exchange.ErrUnsupportedInterval, interval, strings.Join(s.AllowedIntervals, ", "))
}

// lookupExchange prefers the stored row and falls back to the built-in
// defaults so venue commands work on an empty database.
func (a *app) lookupExchange(ctx context.Context, name string) (model.Exchange, error) {
	if err := supportedExchange(name); err != nil {
		return model.Exchange{}, err
	}
	ex, err := a.repo.ExchangeByName(ctx, name)
	if err == nil {
		return ex, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return model.Exchange{}, err
	}
	for _, d := range exchange.DefaultExchanges() {
		if strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	return model.Exchange{}, fmt.Errorf("exchange %s: %w", name, database.ErrNotFound)
}

func (a *app) client(ctx context.Context, name string) (exchange.TickerClient, error) {
	ex, err := a.lookupExchange(ctx, name)
	if err != nil {
		return nil, err
	}
	return exchange.NewClient(ex, a.exchangeOptions()(ctx), a.logger)
}

func runSymbols(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("symbols", pflag.ContinueOnError)
	quote := fs.String("quote", "", "only show symbols quoted in this currency")
	limit := fs.Int("limit", 0, "maximum number of symbols to print (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: arbwatch symbols <exchange> [--quote USDT] [--limit N]")
	}
	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	client, err := a.client(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	symbols, err := client.GetAllSymbols(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tBASE\tQUOTE")
	shown := 0
	for _, sym := range symbols {
		base, q, ok := exchange.SplitSymbol(sym)
		if *quote != "" && (!ok || !strings.EqualFold(q, *quote)) {
			continue
		}
		if *limit > 0 && shown >= *limit {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", sym, base, q)
		shown++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d symbols on %s\n", shown, len(symbols), client.Name())
	return nil
}

func runKlines(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("klines", pflag.ContinueOnError)
	interval := fs.StringP("interval", "i", "1h", "candle interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: arbwatch klines <exchange> <symbol> [--interval 1h]")
	}
	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.settings.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := checkInterval(s, *interval); err != nil {
		return err
	}
	client, err := a.client(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	candles, err := client.GetKline(ctx, fs.Arg(1), *interval)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME\t")
	for _, k := range candles {
		fmt.Fprintf(w, "%s\t%g\t%g\t%g\t%g\t%g\t\n",
			k.Timestamp.UTC().Format(time.DateTime), k.Open, k.High, k.Low, k.Close, k.Volume)
	}
	return w.Flush()
}

func runTestAlert(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("test-alert", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.cfg.Notifications.Enabled {
		return errors.New("notifications are disabled (notifications.enabled=false)")
	}
	if err := a.notifier().SendTest(ctx); err != nil {
		return err
	}
	fmt.Println("Test notification sent")
	return nil
}

func runStatus(ctx context.Context, configPath string, args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	top := fs.Int("top", 10, "number of active opportunities to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.repo.Stats(ctx)
	if err != nil {
		return err
	}
	lastSample := "never"
	if stats.LastSampleAt != nil {
		lastSample = stats.LastSampleAt.UTC().Format(time.DateTime) + " UTC"
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Exchanges\t%d\n", stats.Exchanges)
	fmt.Fprintf(w, "Active listings\t%d\n", stats.ActiveListings)
	fmt.Fprintf(w, "Price samples\t%d\n", stats.Samples)
	fmt.Fprintf(w, "Last sample\t%s\n", lastSample)
	fmt.Fprintf(w, "Active opportunities\t%d\n", stats.ActiveOpportunities)
	fmt.Fprintf(w, "Pending alerts\t%d\n", stats.PendingAlerts)
	fmt.Fprintf(w, "Queue driver\t%s\n", a.cfg.Queue.Driver)
	fmt.Fprintf(w, "Notifications\t%t\n", a.cfg.Notifications.Enabled)
	if err := w.Flush(); err != nil {
		return err
	}

	if *top <= 0 {
		return nil
	}
	opps, err := a.repo.ListActiveOpportunities(ctx, *top)
	if err != nil {
		return err
	}
	if len(opps) == 0 {
		return nil
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPAIR\tBUY\tSELL\tNET %\tDETECTED")
	for _, o := range opps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2f\t%s\n",
			o.ID, o.Instrument(), o.BuyExchange, o.SellExchange, o.NetProfitPct,
			o.DetectedAt.UTC().Format(time.DateTime))
	}
	return w.Flush()
}

const pairsUsage = "usage: arbwatch pairs list|add|activate|deactivate|remove [flags]"

func runPairs(ctx context.Context, configPath string, args []string) error {
	if len(args) == 0 {
		return errors.New(pairsUsage)
	}
	sub, args := args[0], args[1:]

	fs := pflag.NewFlagSet("pairs "+sub, pflag.ContinueOnError)
	var (
		exName   = fs.String("exchange", "", "exchange name")
		base     = fs.String("base", "", "base currency")
		quote    = fs.String("quote", "", "quote currency")
		symbol   = fs.String("symbol", "", "symbol as the exchange spells it")
		takerFee = fs.Float64("taker-fee", 0, "taker fee as a fraction, e.g. 0.001")
		makerFee = fs.Float64("maker-fee", 0, "maker fee as a fraction")
		minAmt   = fs.Float64("min-amount", 0, "minimum order amount")
		inactive = fs.Bool("inactive", false, "add the listing deactivated")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, configPath, fs, nil)
	if err != nil {
		return err
	}
	defer a.close()

	switch sub {
	case "list":
		return a.listPairs(ctx)
	case "add":
		l := model.Listing{
			Base:     *base,
			Quote:    *quote,
			Symbol:   *symbol,
			IsActive: !*inactive,
		}
		if *exName == "" {
			return errors.New("pairs add: --exchange is required")
		}
		if err := supportedExchange(*exName); err != nil {
			return fmt.Errorf("pairs add: %w", err)
		}
		if l.Base == "" || l.Quote == "" {
			b, q, ok := exchange.SplitSymbol(l.Symbol)
			if !ok {
				return errors.New("pairs add: give --base and --quote or a splittable --symbol")
			}
			l.Base, l.Quote = b, q
		}
		if l.Symbol == "" {
			l.Symbol = l.Base + l.Quote
		}
		if fs.Changed("taker-fee") {
			l.TakerFee = takerFee
		}
		if fs.Changed("maker-fee") {
			l.MakerFee = makerFee
		}
		if fs.Changed("min-amount") {
			l.MinAmount = minAmt
		}
		ex, err := a.repo.ExchangeByName(ctx, *exName)
		if err != nil {
			return fmt.Errorf("pairs add: exchange %s: %w (run init-exchanges first)", *exName, err)
		}
		l.Exchange = ex
		if err := a.repo.AddListing(ctx, &l); err != nil {
			return err
		}
		fmt.Printf("Added listing %d: %s on %s as %s\n", l.ID, l.Instrument(), ex.Name, l.Symbol)
		return nil
	case "activate", "deactivate", "remove":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: arbwatch pairs %s <id>", sub)
		}
		id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
		if err != nil {
			return fmt.Errorf("pairs %s: invalid id %q", sub, fs.Arg(0))
		}
		if sub == "remove" {
			err = a.repo.DeleteListing(ctx, id)
		} else {
			err = a.repo.SetListingActive(ctx, id, sub == "activate")
		}
		if err != nil {
			return fmt.Errorf("pairs %s %d: %w", sub, id, err)
		}
		fmt.Printf("Listing %d: %sd\n", id, strings.TrimSuffix(sub, "e"))
		return nil
	default:
		return errors.New(pairsUsage)
	}
}

func (a *app) listPairs(ctx context.Context) error {
	listings, err := a.repo.ListListings(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEXCHANGE\tPAIR\tSYMBOL\tACTIVE\tTAKER\tMAKER")
	for _, l := range listings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			l.ID, l.Exchange.Name, l.Instrument(), l.Symbol, l.IsActive, optional(l.TakerFee), optional(l.MakerFee))
	}
	return w.Flush()
}

func optional(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
