// streamprobe connects to the Upbit WebSocket and streams decoded messages
// to console.
// Usage: go run ./cmd/streamprobe --symbols KRW-BTC,KRW-ETH --types ticker,trade
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"upbitflow/internal/model"
	"upbitflow/internal/ratelimit"
	"upbitflow/internal/stream"
)

func main() {
	wsURL := flag.String("url", "", "WebSocket URL (default Upbit public endpoint)")
	symbolsFlag := flag.String("symbols", "KRW-BTC", "comma-separated symbols to subscribe")
	typesFlag := flag.String("types", "ticker", "comma-separated data types: ticker,trade,orderbook")
	interval := flag.String("interval", "1m", "candle interval when types includes candle")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	var symbols []model.Symbol
	for _, s := range strings.Split(*symbolsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, model.Symbol(strings.ToUpper(s)))
		}
	}
	if len(symbols) == 0 {
		logger.Error("no symbols given")
		os.Exit(1)
	}

	var dataTypes []model.DataType
	for _, t := range strings.Split(*typesFlag, ",") {
		dt := model.DataType(strings.TrimSpace(t))
		if !dt.Valid() {
			logger.Error("unknown data type", "type", t)
			os.Exit(1)
		}
		dataTypes = append(dataTypes, dt)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	limiter := ratelimit.New(ratelimit.DefaultConfig(), logger)

	cfg := stream.DefaultTransportConfig()
	if *wsURL != "" {
		cfg.URL = *wsURL
	}

	tr := stream.NewTransport(cfg, limiter, logger)

	logger.Info("connecting", "url", cfg.URL)
	if err := tr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	for _, dt := range dataTypes {
		if err := tr.Subscribe(symbols, dt, *interval); err != nil {
			logger.Error("failed to subscribe", "type", dt, "error", err)
			os.Exit(1)
		}
		logger.Info("subscribed", "type", dt, "symbols", len(symbols))
	}

	// Console printer
	counts := make(map[stream.MessageType]int)
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for msg := range tr.Listen() {
			counts[msg.Type]++
			if *verbose {
				data, _ := json.MarshalIndent(msg.Payload, "", "  ")
				fmt.Printf("[%s] %s\n%s\n", strings.ToUpper(string(msg.Type)), msg.Symbol, data)
				continue
			}
			fmt.Printf("[%s] %s trade_price=%v received=%s\n",
				strings.ToUpper(string(msg.Type)),
				msg.Symbol,
				msg.Payload["tp"],
				msg.ReceivedAt.Format(time.RFC3339Nano),
			)
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	select {
	case err := <-tr.Failures():
		logger.Error("transport failed", "error", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	tr.Disconnect()
	<-printerDone

	for mt, n := range counts {
		logger.Info("message count", "type", mt, "count", n)
	}
	logger.Info("shutdown complete")
}
