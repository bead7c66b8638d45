// Command trendcore replays recorded bars through the trend-line engine on
// the paper broker and serves the operator surface while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/evdnx/trendcore/config"
	"github.com/evdnx/trendcore/executor"
	"github.com/evdnx/trendcore/logger"
	"github.com/evdnx/trendcore/news"
	"github.com/evdnx/trendcore/strategy"
	"github.com/evdnx/trendcore/types"
)

func main() {
	var (
		cfgPath    string
		csvPath    string
		addr       string
		balance    float64
		spreadPips float64
		keepOpen   bool
	)
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config (defaults apply when empty)")
	flag.StringVar(&csvPath, "csv", "", "Path to CSV of base bars (time,open,high,low,close[,volume])")
	flag.StringVar(&addr, "addr", ":9102", "Operator HTTP listen address; empty disables it")
	flag.Float64Var(&balance, "balance", 100_000, "Paper account starting balance")
	flag.Float64Var(&spreadPips, "spread", 2, "Paper spread in user pips")
	flag.BoolVar(&keepOpen, "keep-open", false, "Leave positions open at the end of the replay")
	flag.Parse()

	if err := run(cfgPath, csvPath, addr, balance, spreadPips, !keepOpen); err != nil {
		log.Fatalf("trendcore: %v", err)
	}
}

func run(cfgPath, csvPath, addr string, balance, spreadPips float64, liquidate bool) error {
	if csvPath == "" {
		return errors.New("-csv is required")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	lg, err := logger.NewZapLoggerLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return err
	}
	bars, err := readBars(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", csvPath, err)
	}

	sym := symbolInfo(cfg.Symbol)
	base := types.Timeframe(cfg.Entry.Timeframe)
	paper := executor.NewPaperExecutor(sym, base, balance, executor.WithLogger(lg))
	engine, err := strategy.NewEngine(cfg, paper, news.New(cfg.News, lg), lg)
	if err != nil {
		return err
	}

	var srv *http.Server
	if addr != "" {
		gin.SetMode(gin.ReleaseMode)
		srv = &http.Server{Addr: addr, Handler: newRouter(engine.Permission()), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			lg.Info("http_listening", logger.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("http_server", logger.Err(err))
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rp := &replayer{engine: engine, paper: paper, tf: base, spread: sym.PipsToPrice(spreadPips)}
	n, runErr := rp.run(ctx, bars)
	if errors.Is(runErr, context.Canceled) {
		lg.Warn("replay_interrupted", logger.Int("bars", n))
		runErr = nil
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := engine.Stop(stopCtx, liquidate); err != nil {
		lg.Error("stop", logger.Err(err))
	}
	if srv != nil {
		_ = srv.Shutdown(stopCtx)
	}

	printSummary(os.Stdout, engine, paper, balance, n)
	return runErr
}

// symbolInfo returns the contract specification of the paper symbol.
// Metals trade in whole units with a cent pip; everything else is priced
// like a major FX pair.
func symbolInfo(name string) types.SymbolInfo {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, "XAU") || strings.HasPrefix(upper, "XAG") {
		return types.SymbolInfo{
			Name: name, PipSize: 0.01, TickSize: 0.01, PipValue: 0.01,
			MinVolume: 1, MaxVolume: 100_000, VolumeStep: 1, LotSize: 100,
		}
	}
	return types.SymbolInfo{
		Name: name, PipSize: 0.0001, TickSize: 0.00001, PipValue: 0.0001,
		MinVolume: 1000, MaxVolume: 10_000_000, VolumeStep: 1000, LotSize: 100_000,
	}
}

func printSummary(w io.Writer, engine *strategy.Engine, paper *executor.PaperExecutor, start float64, bars int) {
	history := paper.History()
	wins := 0
	byReason := make(map[string]int)
	for _, tr := range history {
		if tr.Profit > 0 {
			wins++
		}
		reason := tr.Reason
		if r, ok := engine.CloseReason(tr.Position.ID); ok {
			reason = r
		}
		byReason[reason]++
	}
	fmt.Fprintf(w, "bars=%d trades=%d wins=%d start=%.2f end=%.2f pnl=%.2f\n",
		bars, len(history), wins, start, paper.Balance(), paper.Balance()-start)
	for reason, n := range byReason {
		fmt.Fprintf(w, "  %-28s %d\n", reason, n)
	}
}
