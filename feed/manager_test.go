package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"smartfeed/config"
	"smartfeed/models"
	"smartfeed/subs"
	"smartfeed/wire"
)

const testTokenEnv = "TEST_FEED_TOKEN"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// feedServer is a fake upstream: an authorize endpoint handing out the
// websocket URL and a feed endpoint run by onConn.
func feedServer(t *testing.T, authCalls *int32, onConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		if authCalls != nil {
			atomic.AddInt32(authCalls, 1)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]string{"authorized_redirect_uri": wsURL},
		})
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		onConn(conn)
	})
	return srv
}

func testConfig(authURL string) *config.Config {
	return &config.Config{
		Smartfeed: config.SmartfeedConfig{Name: "test", Version: "0"},
		Feed: config.FeedConfig{
			AuthURL:      authURL,
			TokenEnv:     testTokenEnv,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Second,
			PingInterval: 15 * time.Second,
		},
		Reconnect: config.ReconnectConfig{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
			Multiplier:  2,
		},
		Subscriptions: config.SubscriptionsConfig{MaxSubs: 10, Mode: "full"},
		Control:       config.ControlConfig{RequestsPerSecond: 100, Burst: 10},
		Bus:           config.BusConfig{ListenerBuffer: 16},
	}
}

func TestConnectDecodePublish(t *testing.T) {
	t.Setenv(testTokenEnv, "token-123")

	frag := models.Fragment{
		Kind:   models.KindFullFeed,
		Fields: models.FieldLTP | models.FieldVTT | models.FieldTBQ | models.FieldTSQ,
		LTPC:   models.LTPC{LTP: 185.5},
		VTT:    5000,
		TBQ:    900,
		TSQ:    300,
	}
	frame, err := wire.EncodeFeed(map[string]models.Fragment{"NSE_FO|42691": frag})
	if err != nil {
		t.Fatalf("encode feed frame: %v", err)
	}

	srv := feedServer(t, nil, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	m, err := New(testConfig(srv.URL + "/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	events := make(chan models.Event, 16)
	m.Bus().Subscribe(func(e models.Event) {
		select {
		case events <- e:
		default:
		}
	})

	if st := m.Status(); st.State != "disconnected" {
		t.Fatalf("initial state = %q, want disconnected", st.State)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.IsConnected() {
		t.Fatal("expected connected state after Connect")
	}

	select {
	case e := <-events:
		tick, ok := e.(models.Tick)
		if !ok {
			t.Fatalf("first event is %T, want Tick", e)
		}
		if tick.Key != "NSE_FO|42691" || tick.LTP != 185.5 || tick.Volume != 5000 {
			t.Fatalf("unexpected tick: %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}

	snap, ok := m.Cache().Get("NSE_FO|42691")
	if !ok {
		t.Fatal("snapshot not cached after decode")
	}
	if snap.LTPC.LTP != 185.5 || snap.TBQ != 900 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	st := m.Status()
	if !st.Connected || st.MessageCount < 1 || st.LastMessageAt.IsZero() {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestConnectSingleFlight(t *testing.T) {
	t.Setenv(testTokenEnv, "token-123")

	var authCalls int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&authCalls, 1)
		time.Sleep(100 * time.Millisecond)
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"authorized_redirect_uri": wsURL},
		})
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, err := New(testConfig(srv.URL + "/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect[%d] failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&authCalls); n != 1 {
		t.Fatalf("authorize called %d times, want 1", n)
	}
}

func TestConnectMissingTokenIsFatal(t *testing.T) {
	t.Setenv(testTokenEnv, "")

	m, err := New(testConfig("http://127.0.0.1:0/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	err = m.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error for missing token")
	}
	if !IsFatal(err) {
		t.Fatalf("missing token error not fatal: %v", err)
	}
}

func TestConnectRejectedTokenIsFatal(t *testing.T) {
	t.Setenv(testTokenEnv, "expired-token")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	err = m.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error for rejected token")
	}
	if !IsFatal(err) {
		t.Fatalf("rejected token error not fatal: %v", err)
	}
	if m.IsConnected() {
		t.Fatal("manager connected after fatal auth error")
	}
}

func TestSubscribePublishesEvents(t *testing.T) {
	t.Setenv(testTokenEnv, "token-123")

	requests := make(chan *wire.Message, 4)
	srv := feedServer(t, nil, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.Decode(data)
			if err != nil {
				continue
			}
			requests <- msg
		}
	})
	defer srv.Close()

	m, err := New(testConfig(srv.URL + "/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	events := make(chan models.Event, 16)
	m.Bus().Subscribe(func(e models.Event) {
		select {
		case events <- e:
		default:
		}
	})

	// Before connect the registry refuses and an error event is published.
	if st := m.Subscribe("NSE_FO|42691"); st != subs.StatusConnectionNotReady {
		t.Fatalf("Subscribe before connect = %q, want %q", st, subs.StatusConnectionNotReady)
	}
	select {
	case e := <-events:
		if _, ok := e.(models.SubscriptionError); !ok {
			t.Fatalf("event before connect is %T, want SubscriptionError", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no subscription error event")
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if st := m.Subscribe("nse_fo|42691"); st != subs.StatusSubscribed {
		t.Fatalf("Subscribe = %q, want %q", st, subs.StatusSubscribed)
	}
	select {
	case msg := <-requests:
		if msg.Type != wire.MessageRequest || msg.Request == nil {
			t.Fatalf("server received non-request message: %+v", msg)
		}
		if msg.Request.Op != wire.OpSubscribe {
			t.Fatalf("request op = %v, want subscribe", msg.Request.Op)
		}
		if len(msg.Request.InstrumentKeys) != 1 || msg.Request.InstrumentKeys[0] != "NSE_FO|42691" {
			t.Fatalf("request keys = %v", msg.Request.InstrumentKeys)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscribe request")
	}
	select {
	case e := <-events:
		conf, ok := e.(models.SubscriptionConfirmed)
		if !ok {
			t.Fatalf("event after subscribe is %T, want SubscriptionConfirmed", e)
		}
		if conf.Key != "NSE_FO|42691" || conf.Mode != "full" {
			t.Fatalf("unexpected confirmation: %+v", conf)
		}
	case <-time.After(time.Second):
		t.Fatal("no subscription confirmed event")
	}

	if st := m.Unsubscribe("NSE_FO|42691"); st != subs.StatusUnsubscribed {
		t.Fatalf("Unsubscribe = %q, want %q", st, subs.StatusUnsubscribed)
	}
	select {
	case e := <-events:
		if _, ok := e.(models.UnsubscriptionConfirmed); !ok {
			t.Fatalf("event after unsubscribe is %T, want UnsubscriptionConfirmed", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no unsubscription confirmed event")
	}
}

func TestEmitInitialData(t *testing.T) {
	m, err := New(testConfig("http://127.0.0.1:0/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	m.Cache().Update("NSE_FO|1", models.Fragment{
		Kind: models.KindLTPC, Fields: models.FieldLTP, LTPC: models.LTPC{LTP: 100},
	})
	m.Cache().Update("NSE_FO|2", models.Fragment{
		Kind: models.KindLTPC, Fields: models.FieldLTP, LTPC: models.LTPC{LTP: 200},
	})

	var got []models.Event
	m.EmitInitialData(func(e models.Event) { got = append(got, e) }, "")
	if len(got) != 2 {
		t.Fatalf("replayed %d events, want 2", len(got))
	}
	for _, e := range got {
		if _, ok := e.(models.InitialData); !ok {
			t.Fatalf("replayed event is %T, want InitialData", e)
		}
	}

	got = nil
	m.EmitInitialData(func(e models.Event) { got = append(got, e) }, "nse_fo|2")
	if len(got) != 1 {
		t.Fatalf("replayed %d events for one key, want 1", len(got))
	}
	if init := got[0].(models.InitialData); init.Key != "NSE_FO|2" || init.LTP != 200 {
		t.Fatalf("unexpected initial data: %+v", init)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectRetriesTransientAuthFailure(t *testing.T) {
	t.Setenv(testTokenEnv, "token-123")

	var authCalls int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&authCalls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"authorized_redirect_uri": wsURL},
		})
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, err := New(testConfig(srv.URL + "/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	err = m.Connect(context.Background())
	if err == nil {
		t.Fatal("expected the first connect attempt to fail")
	}
	if IsFatal(err) {
		t.Fatalf("transient auth failure classified fatal: %v", err)
	}

	// The failed connect leaves a background retry running.
	waitFor(t, 2*time.Second, m.IsConnected)
	if n := atomic.LoadInt32(&authCalls); n < 3 {
		t.Fatalf("authorize called %d times, want at least 3", n)
	}
}

func TestReconnectResubscribes(t *testing.T) {
	t.Setenv(testTokenEnv, "token-123")

	var conns int32
	requests := make(chan *wire.Message, 8)
	srv := feedServer(t, nil, func(conn *websocket.Conn) {
		if atomic.AddInt32(&conns, 1) == 1 {
			// Take the initial subscribe, then drop the connection.
			if _, data, err := conn.ReadMessage(); err == nil {
				if msg, err := wire.Decode(data); err == nil {
					requests <- msg
				}
			}
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := wire.Decode(data); err == nil {
				requests <- msg
			}
		}
	})
	defer srv.Close()

	m, err := New(testConfig(srv.URL + "/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if st := m.Subscribe("NSE_FO|42691"); st != subs.StatusSubscribed {
		t.Fatalf("Subscribe = %q, want %q", st, subs.StatusSubscribed)
	}

	select {
	case msg := <-requests:
		if msg.Request == nil || msg.Request.Op != wire.OpSubscribe {
			t.Fatalf("unexpected first request: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first subscribe never reached the server")
	}

	// The server dropped the socket; the manager reconnects and replays the
	// registry.
	select {
	case msg := <-requests:
		if msg.Request == nil || msg.Request.Op != wire.OpSubscribe {
			t.Fatalf("unexpected request after reconnect: %+v", msg)
		}
		if len(msg.Request.InstrumentKeys) != 1 || msg.Request.InstrumentKeys[0] != "NSE_FO|42691" {
			t.Fatalf("resubscribe keys = %v", msg.Request.InstrumentKeys)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no resubscribe after reconnect")
	}

	waitFor(t, 2*time.Second, m.IsConnected)
	if n := atomic.LoadInt32(&conns); n != 2 {
		t.Fatalf("server saw %d connections, want 2", n)
	}
}

func TestReconnectHaltsAfterMaxAttempts(t *testing.T) {
	t.Setenv(testTokenEnv, "token-123")

	var failAuth int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&failAuth) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"authorized_redirect_uri": wsURL},
		})
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Fail every authorize from here on, then drop the socket.
		atomic.StoreInt32(&failAuth, 1)
		conn.Close()
	})

	cfg := testConfig(srv.URL + "/authorize")
	cfg.Reconnect.MaxAttempts = 2
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return m.Status().Halted })
	st := m.Status()
	if st.State != "halted" || st.Connected {
		t.Fatalf("unexpected status after exhausted retries: %+v", st)
	}
}

func TestConnectDuringReconnectSharesAttempt(t *testing.T) {
	t.Setenv(testTokenEnv, "token-123")

	var authCalls, conns int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&authCalls, 1)
		time.Sleep(150 * time.Millisecond)
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"authorized_redirect_uri": wsURL},
		})
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if atomic.AddInt32(&conns, 1) == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	m, err := New(testConfig(srv.URL + "/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Wait for the server-side drop, then connect again while the retry is
	// mid-authorize. The call must join that attempt, not start its own.
	waitFor(t, 2*time.Second, func() bool { return !m.IsConnected() })
	time.Sleep(50 * time.Millisecond)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect during reconnect failed: %v", err)
	}

	waitFor(t, 2*time.Second, m.IsConnected)
	if n := atomic.LoadInt32(&conns); n != 2 {
		t.Fatalf("server saw %d websocket connections, want 2", n)
	}
	if n := atomic.LoadInt32(&authCalls); n != 2 {
		t.Fatalf("authorize called %d times, want 2", n)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	t.Setenv(testTokenEnv, "token-123")

	srv := feedServer(t, nil, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	m, err := New(testConfig(srv.URL + "/authorize"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	m.Shutdown()
	m.Shutdown()

	if m.IsConnected() {
		t.Fatal("manager still connected after Shutdown")
	}
	if st := m.Status(); st.ActiveSubscriptions != 0 || st.State != "disconnected" {
		t.Fatalf("unexpected status after shutdown: %+v", st)
	}
}
