package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"upbitflow/internal/model"
)

// Config holds batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// Metrics counts recorder activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// tickerRow is the flattened insert shape. Decimals travel as strings so
// the numeric columns keep full precision.
type tickerRow struct {
	Symbol         string
	Price          string
	Open           string
	High           string
	Low            string
	PrevClose      string
	Change         string
	ChangeRate     string
	Volume24h      string
	QuoteVolume24h string
	ExchangeTs     int64
	ReceivedAt     int64
}

type tradeRow struct {
	Symbol       string
	Price        string
	Volume       string
	Side         string
	SequentialID int64
	ExchangeTs   int64
	ReceivedAt   int64
}

// Recorder batches unified records and writes them to the database.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	db     *pgxpool.Pool

	batchMu sync.Mutex
	tickers []tickerRow
	trades  []tradeRow
	metrics Metrics

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	flushTicker *time.Ticker

	now func() time.Time
}

// NewRecorder creates a Recorder writing to the given pool.
func NewRecorder(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:     cfg,
		db:      db,
		logger:  logger.With("component", "archive"),
		tickers: make([]tickerRow, 0, cfg.BatchSize),
		trades:  make([]tradeRow, 0, cfg.BatchSize),
		now:     time.Now,
	}
}

// Start begins the periodic flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("archive recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop flushes remaining rows and shuts the recorder down.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping archive recorder")

	if r.cancel != nil {
		r.cancel()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("archive recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("archive recorder stop timed out")
	}

	r.flush()
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// Pending returns the number of rows awaiting flush.
func (r *Recorder) Pending() (tickers, trades int) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return len(r.tickers), len(r.trades)
}

// StoreTickers queues unified ticker records for insertion.
func (r *Recorder) StoreTickers(records []model.TickerRecord) {
	receivedAt := r.now().UnixMicro()

	r.batchMu.Lock()
	for _, rec := range records {
		r.tickers = append(r.tickers, transformTicker(rec, receivedAt))
	}
	shouldFlush := len(r.tickers) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

// StoreTrades queues unified trade records for insertion.
func (r *Recorder) StoreTrades(records []model.TradeRecord) {
	receivedAt := r.now().UnixMicro()

	r.batchMu.Lock()
	for _, rec := range records {
		r.trades = append(r.trades, transformTrade(rec, receivedAt))
	}
	shouldFlush := len(r.trades) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

func transformTicker(rec model.TickerRecord, receivedAt int64) tickerRow {
	return tickerRow{
		Symbol:         string(rec.Symbol),
		Price:          rec.Price.String(),
		Open:           rec.Open.String(),
		High:           rec.High.String(),
		Low:            rec.Low.String(),
		PrevClose:      rec.PrevClose.String(),
		Change:         rec.Change.String(),
		ChangeRate:     rec.ChangeRate.String(),
		Volume24h:      rec.Volume24h.String(),
		QuoteVolume24h: rec.QuoteVolume24h.String(),
		ExchangeTs:     rec.Timestamp,
		ReceivedAt:     receivedAt,
	}
}

func transformTrade(rec model.TradeRecord, receivedAt int64) tradeRow {
	return tradeRow{
		Symbol:       string(rec.Symbol),
		Price:        rec.Price.String(),
		Volume:       rec.Volume.String(),
		Side:         rec.Side,
		SequentialID: rec.SequentialID,
		ExchangeTs:   rec.Timestamp,
		ReceivedAt:   receivedAt,
	}
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush()
		}
	}
}

// flush writes both pending batches.
func (r *Recorder) flush() {
	if r.db == nil {
		return
	}

	r.batchMu.Lock()
	tickers := r.tickers
	trades := r.trades
	r.tickers = make([]tickerRow, 0, r.cfg.BatchSize)
	r.trades = make([]tradeRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	if len(tickers) > 0 {
		r.flushTickers(tickers)
	}
	if len(trades) > 0 {
		r.flushTrades(trades)
	}
}

// flushTickers inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) flushTickers(rows []tickerRow) {
	start := time.Now()

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO tickers (symbol, trade_price, opening_price, high_price, low_price, prev_closing_price, signed_change_price, signed_change_rate, acc_trade_volume_24h, acc_trade_price_24h, exchange_ts, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (symbol, exchange_ts) DO NOTHING
		`, row.Symbol, row.Price, row.Open, row.High, row.Low, row.PrevClose, row.Change, row.ChangeRate, row.Volume24h, row.QuoteVolume24h, row.ExchangeTs, row.ReceivedAt)
	}

	conflicts, err := r.sendBatch(batch, len(rows))
	r.account("tickers", len(rows), conflicts, err, start)
}

func (r *Recorder) flushTrades(rows []tradeRow) {
	start := time.Now()

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO trades (symbol, trade_price, trade_volume, ask_bid, sequential_id, exchange_ts, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (symbol, sequential_id) DO NOTHING
		`, row.Symbol, row.Price, row.Volume, row.Side, row.SequentialID, row.ExchangeTs, row.ReceivedAt)
	}

	conflicts, err := r.sendBatch(batch, len(rows))
	r.account("trades", len(rows), conflicts, err, start)
}

func (r *Recorder) sendBatch(batch *pgx.Batch, n int) (conflicts int, err error) {
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < n; i++ {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

func (r *Recorder) account(table string, count, conflicts int, err error, start time.Time) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	if err != nil {
		r.metrics.Errors++
		r.logger.Error("batch insert failed", "table", table, "error", err, "count", count)
		return
	}
	r.metrics.Inserts += int64(count - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++

	r.logger.Debug("flushed records",
		"table", table,
		"count", count,
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}
