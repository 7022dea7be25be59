package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"upbitflow/internal/model"
)

// Manager owns a pool of Transports and the subscriptions multiplexed over
// them. It assigns new subscriptions to transports with spare capacity,
// migrates subscriptions off failed transports, and sweeps idle ones.
type Manager interface {
	// Start launches the idle sweeper. Call before Subscribe.
	Start(ctx context.Context) error

	// Stop cancels background work and disconnects every transport.
	Stop() error

	// Subscribe ensures a live subscription for the (symbol, data type)
	// pair. An existing active subscription is reused without any wire
	// traffic. interval only applies to candle subscriptions.
	Subscribe(ctx context.Context, symbol model.Symbol, dataType model.DataType, interval string, priority Priority) (*Subscription, error)

	// Release cancels the subscription. The last subscription on a
	// transport tears the transport down; otherwise the transport is
	// rebuilt with the reduced symbol set, since the exchange offers no
	// unsubscribe message.
	Release(id string) error

	// Latest returns the most recent payload for the pair and marks the
	// subscription used.
	Latest(symbol model.Symbol, dataType model.DataType) (map[string]any, bool)

	// RecentTrades returns up to n of the most recent trade payloads for
	// the symbol, newest first.
	RecentTrades(symbol model.Symbol, n int) []map[string]any

	// WaitForData blocks until a payload for the pair is available or the
	// timeout elapses.
	WaitForData(ctx context.Context, symbol model.Symbol, dataType model.DataType, timeout time.Duration) (map[string]any, error)

	// Healthy reports whether an active subscription for the pair is
	// receiving data over a connected transport.
	Healthy(symbol model.Symbol, dataType model.DataType) bool

	// Errored reports whether the pair has a subscription that is in the
	// error state or stranded on a non-connected transport.
	Errored(symbol model.Symbol, dataType model.DataType) bool

	// Stats returns pool statistics.
	Stats() ManagerStats
}

// pairKey identifies one (symbol, data type) stream.
type pairKey struct {
	symbol   model.Symbol
	dataType model.DataType
}

type latestEntry struct {
	payload    map[string]any
	receivedAt time.Time
}

// managedTransport pairs a Transport with its manager-side bookkeeping.
type managedTransport struct {
	transport Transport
	subCount  int
}

type manager struct {
	cfg    ManagerConfig
	gate   RateGate
	logger *slog.Logger

	// newTransport is swappable in tests.
	newTransport func(TransportConfig, RateGate, *slog.Logger) Transport

	mu         sync.Mutex
	transports map[string]*managedTransport
	subs       map[string]*Subscription
	byPair     map[pairKey]string // pair → subscription ID
	latest     map[pairKey]latestEntry
	trades     map[model.Symbol]*tradeRing

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a Manager. It opens no connections until the first
// Subscribe.
func NewManager(cfg ManagerConfig, gate RateGate, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{
		cfg:          cfg,
		gate:         gate,
		logger:       logger.With("component", "stream-manager"),
		newTransport: NewTransport,
		transports:   make(map[string]*managedTransport),
		subs:         make(map[string]*Subscription),
		byPair:       make(map[pairKey]string),
		latest:       make(map[pairKey]latestEntry),
		trades:       make(map[model.Symbol]*tradeRing),
	}
}

func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.wg.Add(1)
	go m.sweepLoop()

	m.logger.Info("subscription manager started",
		"max_connections", m.cfg.MaxConnections,
		"max_subs_per_connection", m.cfg.MaxSubsPerConnection)
	return nil
}

func (m *manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.cancel()

	transports := make([]Transport, 0, len(m.transports))
	for _, mt := range m.transports {
		transports = append(transports, mt.transport)
	}
	m.transports = make(map[string]*managedTransport)
	for _, sub := range m.subs {
		sub.State = SubCancelled
	}
	m.mu.Unlock()

	for _, tr := range transports {
		if err := tr.Disconnect(); err != nil {
			m.logger.Warn("disconnect on stop", "transport_id", tr.ID(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		m.logger.Warn("timed out waiting for background loops")
	}

	m.logger.Info("subscription manager stopped")
	return nil
}

func (m *manager) Subscribe(ctx context.Context, symbol model.Symbol, dataType model.DataType, interval string, priority Priority) (*Subscription, error) {
	key := pairKey{symbol, dataType}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s %s: manager not started", symbol, dataType)
	}

	// Reuse an existing live subscription without touching the wire.
	if id, ok := m.byPair[key]; ok {
		sub := m.subs[id]
		if sub.State == SubActive || sub.State == SubPending {
			sub.LastUsedAt = time.Now()
			if priority > sub.Priority {
				sub.Priority = priority
			}
			out := *sub
			m.mu.Unlock()
			return &out, nil
		}
		// A stale error/cancelled record is replaced below.
		delete(m.byPair, key)
		delete(m.subs, id)
	}

	mt, err := m.assignLocked(ctx, priority)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	sub := &Subscription{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		DataType:    dataType,
		TransportID: mt.transport.ID(),
		State:       SubPending,
		Priority:    priority,
		CreatedAt:   time.Now(),
		LastUsedAt:  time.Now(),
	}
	m.subs[sub.ID] = sub
	m.byPair[key] = sub.ID
	mt.subCount++
	tr := mt.transport
	m.mu.Unlock()

	if err := tr.Subscribe([]model.Symbol{symbol}, dataType, interval); err != nil {
		m.mu.Lock()
		delete(m.subs, sub.ID)
		if m.byPair[key] == sub.ID {
			delete(m.byPair, key)
		}
		if cur, ok := m.transports[tr.ID()]; ok {
			cur.subCount--
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s %s: %w", symbol, dataType, err)
	}

	m.mu.Lock()
	// The wire call ran unlocked; a transport failure in that window may
	// have migrated the pair to a new identity.
	cur, ok := m.subs[sub.ID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s %s: %w", symbol, dataType, ErrTransportFailed)
	}
	cur.State = SubActive
	out := *cur
	m.mu.Unlock()

	m.logger.Debug("subscription created",
		"subscription_id", out.ID, "symbol", symbol,
		"data_type", dataType, "transport_id", out.TransportID)
	return &out, nil
}

// assignLocked picks a connected transport with spare capacity, creating or
// evicting as needed. Called with the lock held; it may unlock to connect
// and relocks before returning.
func (m *manager) assignLocked(ctx context.Context, priority Priority) (*managedTransport, error) {
	for _, mt := range m.transports {
		if mt.transport.State() == StateConnected && mt.subCount < m.cfg.MaxSubsPerConnection {
			return mt, nil
		}
	}

	if len(m.transports) < m.cfg.MaxConnections {
		return m.createTransportLocked(ctx)
	}

	// Full pool. Evict the stalest low-priority idle subscription.
	if m.evictOneLocked(priority) {
		for _, mt := range m.transports {
			if mt.transport.State() == StateConnected && mt.subCount < m.cfg.MaxSubsPerConnection {
				return mt, nil
			}
		}
	}
	return nil, ErrCapacityExceeded
}

// createTransportLocked reserves a pool slot, connects without the lock,
// and rolls the slot back on failure.
func (m *manager) createTransportLocked(ctx context.Context) (*managedTransport, error) {
	tr := m.newTransport(m.cfg.Transport, m.gate, m.logger)
	mt := &managedTransport{transport: tr}
	m.transports[tr.ID()] = mt
	m.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.SubscribeTimeout)
	err := tr.Connect(connectCtx)
	cancel()

	m.mu.Lock()
	if err != nil {
		delete(m.transports, tr.ID())
		return nil, fmt.Errorf("create transport: %w", err)
	}

	m.wg.Add(2)
	go m.pump(tr)
	go m.watchFailures(tr)
	return mt, nil
}

// evictOneLocked removes the stalest idle subscription whose priority is
// below the incoming one. Critical subscriptions are never evicted.
func (m *manager) evictOneLocked(incoming Priority) bool {
	cutoff := time.Now().Add(-m.cfg.EvictIdleAfter)
	var victim *Subscription
	for _, sub := range m.subs {
		if sub.State != SubActive || sub.Priority >= incoming || sub.Priority == PriorityCritical {
			continue
		}
		if sub.LastUsedAt.After(cutoff) {
			continue
		}
		if victim == nil || sub.LastUsedAt.Before(victim.LastUsedAt) {
			victim = sub
		}
	}
	if victim == nil {
		return false
	}

	m.logger.Info("evicting idle subscription",
		"subscription_id", victim.ID, "symbol", victim.Symbol,
		"data_type", victim.DataType, "priority", victim.Priority)

	// Detach only. The transport keeps its slot open for the incoming
	// subscription; the stale wire registration is cleaned up by the
	// next shrink or teardown.
	victim.State = SubCancelled
	key := pairKey{victim.Symbol, victim.DataType}
	delete(m.subs, victim.ID)
	if m.byPair[key] == victim.ID {
		delete(m.byPair, key)
	}
	if mt, ok := m.transports[victim.TransportID]; ok {
		mt.subCount--
	}
	return true
}

func (m *manager) Release(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("release %s: unknown subscription", id)
	}
	rebuild := m.removeSubLocked(sub, SubCancelled)
	m.mu.Unlock()

	if rebuild != nil {
		rebuild()
	}
	return nil
}

// removeSubLocked detaches the subscription from its transport. It returns
// a follow-up to run without the lock: tearing the transport down when it
// carried only this subscription, or rebuilding it with the reduced symbol
// set otherwise. The exchange replaces a type's code list wholesale and has
// no per-symbol unsubscribe, so shrinking means reconnecting.
func (m *manager) removeSubLocked(sub *Subscription, final SubscriptionState) func() {
	key := pairKey{sub.Symbol, sub.DataType}
	sub.State = final
	delete(m.subs, sub.ID)
	if m.byPair[key] == sub.ID {
		delete(m.byPair, key)
	}

	mt, ok := m.transports[sub.TransportID]
	if !ok {
		return nil
	}
	mt.subCount--

	if mt.subCount <= 0 {
		delete(m.transports, sub.TransportID)
		tr := mt.transport
		return func() {
			if err := tr.Disconnect(); err != nil {
				m.logger.Warn("teardown failed", "transport_id", tr.ID(), "error", err)
			}
		}
	}

	tr := mt.transport
	return func() { m.shrinkTransport(tr) }
}

// shrinkTransport tears the transport down and recreates it carrying only
// the pairs still backed by a live subscription. Registrations without one
// (released or evicted pairs) are dropped here; surviving subscriptions are
// migrated to the replacement.
func (m *manager) shrinkTransport(old Transport) {
	m.mu.Lock()
	if _, ok := m.transports[old.ID()]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.transports, old.ID())

	regs := make(map[model.DataType][]model.Symbol)
	live := 0
	for _, sub := range m.subs {
		if sub.TransportID != old.ID() {
			continue
		}
		regs[sub.DataType] = append(regs[sub.DataType], sub.Symbol)
		live++
	}
	m.mu.Unlock()

	if err := old.Disconnect(); err != nil {
		m.logger.Warn("shrink disconnect failed", "transport_id", old.ID(), "error", err)
	}

	if live == 0 {
		m.logger.Info("transport retired, no live subscriptions remain",
			"transport_id", old.ID())
		return
	}

	replacement := m.newTransport(m.cfg.Transport, m.gate, m.logger)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SubscribeTimeout)
	err := replacement.Connect(ctx)
	cancel()
	if err != nil {
		m.logger.Error("shrink reconnect failed, dropping survivors",
			"transport_id", old.ID(), "error", err)
		m.failSubsOn(old.ID())
		return
	}

	count := 0
	failed := make(map[model.DataType]bool)
	for dt, syms := range regs {
		if err := replacement.Subscribe(syms, dt, ""); err != nil {
			m.logger.Warn("shrink resubscribe failed", "data_type", dt, "error", err)
			failed[dt] = true
			continue
		}
		count += len(syms)
	}

	if count == 0 {
		m.logger.Error("shrink resubscribe failed for every pair, dropping survivors",
			"transport_id", old.ID())
		replacement.Disconnect()
		m.failSubsOn(old.ID())
		return
	}

	m.mu.Lock()
	m.transports[replacement.ID()] = &managedTransport{transport: replacement, subCount: count}
	for _, sub := range m.subs {
		if sub.TransportID != old.ID() {
			continue
		}
		if failed[sub.DataType] {
			sub.State = SubError
			continue
		}
		sub.TransportID = replacement.ID()
	}
	m.mu.Unlock()

	m.wg.Add(2)
	go m.pump(replacement)
	go m.watchFailures(replacement)

	m.logger.Info("transport rebuilt with reduced set",
		"old_transport_id", old.ID(), "transport_id", replacement.ID(),
		"subscriptions", count)
}

// failSubsOn marks every subscription on the transport as errored.
func (m *manager) failSubsOn(transportID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.TransportID == transportID {
			sub.State = SubError
		}
	}
}

// pump drains one transport's message stream into the latest-payload map
// and the trade rings. Exits when the transport's channel closes.
func (m *manager) pump(tr Transport) {
	defer m.wg.Done()

	for msg := range tr.Listen() {
		dt, ok := dataTypeOf(msg.Type)
		if !ok || msg.Symbol == "" {
			continue
		}
		key := pairKey{msg.Symbol, dt}

		m.mu.Lock()
		m.latest[key] = latestEntry{payload: msg.Payload, receivedAt: msg.ReceivedAt}
		if dt == model.DataTrade {
			ring, ok := m.trades[msg.Symbol]
			if !ok {
				ring = newTradeRing(m.cfg.TradeRingSize)
				m.trades[msg.Symbol] = ring
			}
			ring.push(msg.Payload)
		}
		if id, ok := m.byPair[key]; ok {
			sub := m.subs[id]
			sub.LastDataAt = msg.ReceivedAt
			sub.MessageCount++
		}
		m.mu.Unlock()
	}
}

// watchFailures migrates subscriptions off a transport whose internal
// reconnection gave up. Each surviving pair is re-requested under a new
// subscription identity; pairs that cannot be placed stay errored.
func (m *manager) watchFailures(tr Transport) {
	defer m.wg.Done()

	var failure error
	select {
	case failure = <-tr.Failures():
	case <-m.ctx.Done():
		return
	}

	m.logger.Error("transport failed, migrating subscriptions",
		"transport_id", tr.ID(), "error", failure)

	m.mu.Lock()
	delete(m.transports, tr.ID())
	type orphan struct {
		symbol   model.Symbol
		dataType model.DataType
		priority Priority
	}
	var orphans []orphan
	for _, sub := range m.subs {
		if sub.TransportID != tr.ID() {
			continue
		}
		sub.State = SubError
		orphans = append(orphans, orphan{sub.Symbol, sub.DataType, sub.Priority})
		delete(m.subs, sub.ID)
		key := pairKey{sub.Symbol, sub.DataType}
		if m.byPair[key] == sub.ID {
			delete(m.byPair, key)
		}
	}
	m.mu.Unlock()

	tr.Disconnect()

	for _, o := range orphans {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SubscribeTimeout)
		_, err := m.Subscribe(ctx, o.symbol, o.dataType, "", o.priority)
		cancel()
		if err != nil {
			m.logger.Error("migration failed",
				"symbol", o.symbol, "data_type", o.dataType, "error", err)
			m.mu.Lock()
			key := pairKey{o.symbol, o.dataType}
			if _, taken := m.byPair[key]; !taken {
				dead := &Subscription{
					ID:        uuid.NewString(),
					Symbol:    o.symbol,
					DataType:  o.dataType,
					State:     SubError,
					Priority:  o.priority,
					CreatedAt: time.Now(),
				}
				m.subs[dead.ID] = dead
				m.byPair[key] = dead.ID
			}
			m.mu.Unlock()
		}
	}
}

// sweepLoop periodically releases non-critical subscriptions that have not
// been read for the idle timeout.
func (m *manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *manager) sweepIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var followups []func()
	for _, sub := range m.subs {
		if sub.State != SubActive || sub.Priority == PriorityCritical {
			continue
		}
		if sub.LastUsedAt.After(cutoff) {
			continue
		}
		m.logger.Info("sweeping idle subscription",
			"subscription_id", sub.ID, "symbol", sub.Symbol, "data_type", sub.DataType)
		if f := m.removeSubLocked(sub, SubCancelled); f != nil {
			followups = append(followups, f)
		}
	}
	m.mu.Unlock()

	for _, f := range followups {
		f()
	}
}

func (m *manager) Latest(symbol model.Symbol, dataType model.DataType) (map[string]any, bool) {
	key := pairKey{symbol, dataType}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.latest[key]
	if !ok {
		return nil, false
	}
	if id, ok := m.byPair[key]; ok {
		m.subs[id].LastUsedAt = time.Now()
	}
	return entry.payload, true
}

func (m *manager) RecentTrades(symbol model.Symbol, n int) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring, ok := m.trades[symbol]
	if !ok {
		return nil
	}
	if id, ok := m.byPair[pairKey{symbol, model.DataTrade}]; ok {
		m.subs[id].LastUsedAt = time.Now()
	}
	return ring.newest(n)
}

func (m *manager) WaitForData(ctx context.Context, symbol model.Symbol, dataType model.DataType, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		if payload, ok := m.Latest(symbol, dataType); ok {
			return payload, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s %s", ErrNoData, symbol, dataType)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (m *manager) Healthy(symbol model.Symbol, dataType model.DataType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPair[pairKey{symbol, dataType}]
	if !ok {
		return false
	}
	sub := m.subs[id]
	if sub.State != SubActive {
		return false
	}
	mt, ok := m.transports[sub.TransportID]
	return ok && mt.transport.State() == StateConnected
}

func (m *manager) Errored(symbol model.Symbol, dataType model.DataType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPair[pairKey{symbol, dataType}]
	if !ok {
		return false
	}
	sub := m.subs[id]
	if sub.State == SubError {
		return true
	}
	if sub.State != SubActive {
		return false
	}
	mt, ok := m.transports[sub.TransportID]
	return !ok || mt.transport.State() != StateConnected
}

func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		Transports:    len(m.transports),
		Subscriptions: len(m.subs),
	}
	for _, mt := range m.transports {
		if mt.transport.State() == StateConnected {
			stats.ConnectedTransports++
		}
	}
	for _, sub := range m.subs {
		switch sub.State {
		case SubActive:
			stats.ActiveSubscriptions++
		case SubError:
			stats.ErrorSubscriptions++
		}
	}
	return stats
}

// tradeRing is a fixed-capacity ring of recent trade payloads.
type tradeRing struct {
	buf  []map[string]any
	next int
	full bool
}

func newTradeRing(capacity int) *tradeRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &tradeRing{buf: make([]map[string]any, capacity)}
}

func (r *tradeRing) push(p map[string]any) {
	r.buf[r.next] = p
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// newest returns up to n payloads, most recent first.
func (r *tradeRing) newest(n int) []map[string]any {
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
