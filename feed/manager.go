// Package feed owns the persistent upstream market-data connection: authorize,
// dial, decode, fan out, and reconnect. One manager maps to one upstream
// socket; everything downstream consumes events from its bus or copies from
// its cache.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"smartfeed/analytics"
	"smartfeed/bus"
	"smartfeed/cache"
	"smartfeed/config"
	"smartfeed/logger"
	"smartfeed/models"
	"smartfeed/subs"
	"smartfeed/wire"
)

// Manager coordinates the websocket connection, the subscription registry,
// the snapshot cache, the scoring detector and the event bus. It is safe for
// concurrent use.
type Manager struct {
	cfg        *config.Config
	log        *logger.Log
	httpClient *http.Client

	bus      *bus.Bus
	cache    *cache.Cache
	registry *subs.Registry
	detector *analytics.Detector
	limiter  *rate.Limiter
	mode     wire.Mode

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        ConnState
	conn         *websocket.Conn
	connecting   bool
	pendingCh    chan struct{}
	connectErr   error
	reconnecting bool
	attempts     int
	connectedAt  time.Time

	// writeMu serializes all socket writes, control frames included.
	writeMu sync.Mutex

	bo *backoff.ExponentialBackOff

	readyOnce sync.Once
	ready     chan struct{}

	shutdownOnce sync.Once

	messageCount atomic.Int64
	lastMessage  atomic.Int64
}

// New builds a manager from configuration. The bus, cache, registry and
// detector it owns are created here; nothing is shared process-wide.
func New(cfg *config.Config) (*Manager, error) {
	mode, err := wire.ParseMode(strings.ToLower(strings.TrimSpace(cfg.Subscriptions.Mode)))
	if err != nil {
		return nil, fmt.Errorf("feed manager: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Reconnect.BaseDelay
	bo.MaxInterval = cfg.Reconnect.MaxDelay
	bo.Multiplier = cfg.Reconnect.Multiplier

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		log:        logger.GetLogger(),
		httpClient: &http.Client{Timeout: cfg.Feed.DialTimeout},
		bus:        bus.New(),
		cache:      cache.New(),
		registry:   subs.NewRegistry(cfg.Subscriptions.MaxSubs, mode),
		detector:   analytics.NewDetector(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.Control.RequestsPerSecond), cfg.Control.Burst),
		mode:       mode,
		ctx:        ctx,
		cancel:     cancel,
		bo:         bo,
		ready:      make(chan struct{}),
	}, nil
}

// Bus exposes the manager's event bus for consumers.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Cache exposes the manager's snapshot cache for read-only priming.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Connect establishes the upstream connection. Concurrent callers share a
// single connect attempt and all receive its outcome. A transient failure
// leaves the manager disconnected with a background retry scheduled; only
// fatal failures skip the retry.
func (m *Manager) Connect(ctx context.Context) error {
	err := m.connectOnce(ctx)
	if err != nil && !IsFatal(err) {
		m.scheduleReconnect()
	}
	return err
}

// connectOnce is the single-flight gate every connection attempt goes
// through, user-initiated and reconnect alike. Late callers join the
// in-flight attempt and receive its outcome.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	if m.connecting {
		ch := m.pendingCh
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		err := m.connectErr
		m.mu.Unlock()
		return err
	}
	m.connecting = true
	m.pendingCh = make(chan struct{})
	if m.state == StateHalted {
		// An explicit connect clears a halted manager and starts over.
		m.state = StateDisconnected
		m.attempts = 0
		m.bo.Reset()
	}
	m.mu.Unlock()

	err := m.establish(ctx)

	m.mu.Lock()
	m.connectErr = err
	m.connecting = false
	close(m.pendingCh)
	m.mu.Unlock()
	return err
}

func (m *Manager) establish(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.state = StateAuthorizing
	m.mu.Unlock()

	log := m.log.WithComponent("feed_manager")

	wsURL, err := m.authorize(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		log.WithError(err).Error("feed authorization failed")
		return err
	}

	m.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.Feed.DialTimeout}
	header := http.Header{}
	if m.cfg.Feed.Origin != "" {
		header.Set("Origin", m.cfg.Feed.Origin)
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		m.setState(StateDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = &FatalError{Op: "dial", Err: err}
		}
		log.WithError(err).Error("feed dial failed")
		return err
	}

	conn.SetReadDeadline(time.Now().Add(m.cfg.Feed.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.Feed.ReadTimeout))
	})

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	m.connectedAt = time.Now()
	m.attempts = 0
	m.bo.Reset()
	m.mu.Unlock()
	m.readyOnce.Do(func() { close(m.ready) })

	log.WithFields(logger.Fields{"subscriptions": m.registry.Len()}).Info("feed connection open")

	m.resubscribeAll()

	m.wg.Add(2)
	go m.readLoop(conn)
	go m.pingLoop(conn)
	return nil
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.Feed.ReadTimeout))
		logger.IncrementFeedRead(len(data))
		m.handleMessage(data)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Feed.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.Feed.WriteTimeout))
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage processes one inbound frame in arrival order: decode, merge
// into the cache, publish a tick and, for full feeds, score for alerts.
// Undecodable frames are dropped without touching the connection.
func (m *Manager) handleMessage(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		logger.IncrementDecodeError()
		m.log.WithComponent("feed_manager").WithError(err).Warn("dropping undecodable feed message")
		return
	}
	if msg.Type != wire.MessageFeed {
		return
	}

	m.messageCount.Add(1)
	m.lastMessage.Store(time.Now().UnixNano())

	for key, frag := range msg.Feeds {
		snap := m.cache.Update(key, frag)

		m.bus.Publish(models.Tick{
			Type:      models.EventTick,
			Key:       snap.Key,
			LTP:       snap.LTPC.LTP,
			Volume:    snap.VTT,
			Bid:       snap.BestBid(),
			Ask:       snap.BestAsk(),
			Timestamp: snap.UpdatedAt,
		})
		logger.IncrementTick()

		if !frag.HasMarketData() {
			continue
		}
		res := m.detector.Analyze(snap.Key, frag)
		if res == nil || res.Score < analytics.PublishThreshold {
			continue
		}
		m.bus.Publish(models.BigMoveAlert{
			Type:        models.EventBigMoveAlert,
			Key:         snap.Key,
			AlertResult: *res,
			LTP:         snap.LTPC.LTP,
			Timestamp:   snap.UpdatedAt,
		})
		logger.IncrementAlert()
		m.log.WithComponent("feed_manager").WithFields(logger.Fields{
			"symbol": snap.Key,
			"score":  res.Score,
			"level":  string(res.Level),
		}).Info("big move alert")
	}
}

func (m *Manager) handleDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}

	m.log.WithComponent("feed_manager").WithError(err).Warn("feed connection lost")
	m.scheduleReconnect()
}

// scheduleReconnect starts the background retry loop unless one is already
// running. Every attempt goes through the connectOnce gate, so a retry and
// a caller-issued Connect can never dial concurrently.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.state == StateHalted {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	if m.ctx.Err() != nil {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
		}()

		log := m.log.WithComponent("feed_manager")
		for {
			m.mu.Lock()
			if m.attempts >= m.cfg.Reconnect.MaxAttempts {
				m.state = StateHalted
				m.mu.Unlock()
				log.WithFields(logger.Fields{"attempts": m.cfg.Reconnect.MaxAttempts}).Error("reconnect attempts exhausted, feed halted")
				return
			}
			m.attempts++
			attempt := m.attempts
			sleep := m.bo.NextBackOff()
			m.mu.Unlock()

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(sleep):
			}

			logger.IncrementReconnect()
			log.WithFields(logger.Fields{"attempt": attempt, "delay": sleep.String()}).Info("reconnecting to feed")

			err := m.connectOnce(m.ctx)
			if err == nil {
				return
			}
			if IsFatal(err) {
				m.setState(StateHalted)
				log.WithError(err).Error("fatal error during reconnect, feed halted")
				return
			}
			log.WithError(err).Warn("reconnect attempt failed")
		}
	}()
}

// resubscribeAll replays every registered subscription as one bulk request
// after a connection is established.
func (m *Manager) resubscribeAll() {
	keys := m.registry.List()
	if len(keys) == 0 {
		return
	}
	log := m.log.WithComponent("feed_manager")
	frame, err := wire.EncodeRequest(wire.OpSubscribe, m.mode, keys)
	if err != nil {
		log.WithError(err).Error("failed to encode resubscribe request")
		return
	}
	if err := m.Send(m.ctx, frame); err != nil {
		log.WithError(err).Error("failed to resubscribe after reconnect")
		return
	}
	log.WithFields(logger.Fields{"count": len(keys)}).Info("resubscribed instruments")
}

// Ready reports whether the connection is open. Part of the subs.Conn
// contract.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

// IsConnected is an alias for Ready kept for callers that read better with it.
func (m *Manager) IsConnected() bool { return m.Ready() }

// Send writes one control frame, paced by the rate limiter and serialized
// with every other socket write. Part of the subs.Conn contract.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed connection not open")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.Feed.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Subscribe registers key and publishes the matching subscription event.
func (m *Manager) Subscribe(key string) subs.Status {
	st := m.registry.Subscribe(m.ctx, key, m)
	key = models.NormalizeInstrumentKey(key)
	now := time.Now()
	switch st {
	case subs.StatusSubscribed:
		m.bus.Publish(models.SubscriptionConfirmed{
			Type:      models.EventSubscriptionConfirmed,
			Key:       key,
			Mode:      m.mode.String(),
			Timestamp: now,
		})
	case subs.StatusAlreadyActive:
		m.bus.Publish(models.SubscriptionStatus{
			Type:      models.EventSubscriptionStatus,
			Key:       key,
			Status:    string(st),
			Timestamp: now,
		})
	default:
		m.bus.Publish(models.SubscriptionError{
			Type:      models.EventSubscriptionError,
			Key:       key,
			Reason:    string(st),
			Timestamp: now,
		})
	}
	return st
}

// Unsubscribe removes key and publishes the matching subscription event.
func (m *Manager) Unsubscribe(key string) subs.Status {
	st := m.registry.Unsubscribe(m.ctx, key, m)
	key = models.NormalizeInstrumentKey(key)
	now := time.Now()
	switch st {
	case subs.StatusUnsubscribed:
		m.bus.Publish(models.UnsubscriptionConfirmed{
			Type:      models.EventUnsubscriptionConfirmed,
			Key:       key,
			Timestamp: now,
		})
	case subs.StatusNotSubscribed:
		m.bus.Publish(models.SubscriptionStatus{
			Type:      models.EventSubscriptionStatus,
			Key:       key,
			Status:    string(st),
			Timestamp: now,
		})
	default:
		m.bus.Publish(models.SubscriptionError{
			Type:      models.EventSubscriptionError,
			Key:       key,
			Reason:    string(st),
			Timestamp: now,
		})
	}
	return st
}

// EmitInitialData replays cached snapshots as InitialData events directly
// into sink, bypassing the bus. An empty key replays the whole cache.
func (m *Manager) EmitInitialData(sink func(models.Event), key string) {
	if sink == nil {
		return
	}
	emit := func(s models.Snapshot) {
		sink(models.InitialData{
			Type:      models.EventInitialData,
			Key:       s.Key,
			LTP:       s.LTPC.LTP,
			Level:     models.LevelNormal,
			Timestamp: s.UpdatedAt,
		})
	}
	if key != "" {
		if s, ok := m.cache.Get(key); ok {
			emit(s)
		}
		return
	}
	m.cache.ForEach(emit)
}

// Shutdown tears the manager down: timers stopped, socket closed, registry
// and cache cleared, bus closed. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		log := m.log.WithComponent("feed_manager")
		log.Info("shutting down feed manager")
		m.cancel()

		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		m.state = StateClosing
		m.mu.Unlock()
		if conn != nil {
			m.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			m.writeMu.Unlock()
			conn.Close()
		}
		m.wg.Wait()
		m.registry.Clear()
		m.cache.Clear()
		m.bus.Close()
		m.setState(StateDisconnected)
		log.Info("feed manager stopped")
	})
}
