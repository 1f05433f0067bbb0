// Command loadtest ramps up authenticated WebSocket connections against a
// gateway, joins them to a channel and reports delivery counters.
//
// The gateway admits a handful of upgrades per origin per minute, so run it
// with the load generator's address in ADMISSION_WHITELIST.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/messaging"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/KienPC1234/TechShare-sub001/internal/types"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config for one load test run.
type Config struct {
	BaseURL           string
	Hub               string
	Email             string
	Password          string
	TargetConnections int
	RampRate          int // connections per second
	Sustain           time.Duration
	ReportInterval    time.Duration
	Channel           string // joined by every connection when set
	SendInterval      time.Duration
	ConnectionTimeout time.Duration
}

// State tracks test metrics
type State struct {
	activeConnections atomic.Int64
	totalCreated      atomic.Int64
	failedConnections atomic.Int64
	connectionErrors  sync.Map // map[string]*atomic.Int64

	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	acks             atomic.Int64
	errorEnvelopes   atomic.Int64

	startTime time.Time
}

type loadConn struct {
	id      int
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func main() {
	cfg := parseFlags()
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatPretty,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Load test failed")
		os.Exit(1)
	}
}

func parseFlags() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.BaseURL, "url", "http://localhost:8080", "gateway base URL")
	flag.StringVar(&cfg.Hub, "hub", "/ws/chat", "upgrade path")
	flag.StringVar(&cfg.Email, "email", os.Getenv("LOADTEST_EMAIL"), "account email")
	flag.StringVar(&cfg.Password, "password", os.Getenv("LOADTEST_PASSWORD"), "account password")
	flag.IntVar(&cfg.TargetConnections, "connections", 100, "target connections")
	flag.IntVar(&cfg.RampRate, "ramp", 50, "connections per second")
	flag.DurationVar(&cfg.Sustain, "sustain", time.Minute, "how long to hold the connections")
	flag.DurationVar(&cfg.ReportInterval, "report", 5*time.Second, "report interval")
	flag.StringVar(&cfg.Channel, "channel", "", "channel to join and send to, e.g. org:acme")
	flag.DurationVar(&cfg.SendInterval, "send-interval", 0, "per-connection send interval (0 = receive only)")
	flag.DurationVar(&cfg.ConnectionTimeout, "timeout", 10*time.Second, "handshake timeout")
	flag.Parse()
	return cfg
}

func run(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	if cfg.Email == "" || cfg.Password == "" {
		return errors.New("-email and -password are required")
	}

	token, err := signIn(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info().
		Str("url", cfg.BaseURL).
		Str("hub", cfg.Hub).
		Int("target", cfg.TargetConnections).
		Int("ramp_rate", cfg.RampRate).
		Dur("sustain", cfg.Sustain).
		Msg("Signed in, starting ramp-up")

	state := &State{startTime: time.Now()}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		periodicReports(runCtx, cfg.ReportInterval, state, logger)
	}()

	conns := rampUp(runCtx, cfg, token, state, &wg)
	logger.Info().
		Int64("active", state.activeConnections.Load()).
		Int64("failed", state.failedConnections.Load()).
		Msg("Ramp-up complete")

	select {
	case <-time.After(cfg.Sustain):
	case <-ctx.Done():
		logger.Warn().Msg("Sustain phase interrupted")
	}

	cancel()
	for _, c := range conns {
		c.close()
	}
	wg.Wait()
	report(state, logger, "Final report")
	return ctx.Err()
}

func signIn(ctx context.Context, cfg *Config) (string, error) {
	body, err := json.Marshal(map[string]string{"email": cfg.Email, "password": cfg.Password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.BaseURL, "/")+"/api/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sign in: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sign in: unexpected status %s", res.Status)
	}
	for _, c := range res.Cookies() {
		if c.Name == identity.DefaultCookieName {
			return c.Value, nil
		}
	}
	return "", errors.New("sign in: no session cookie in response")
}

func rampUp(ctx context.Context, cfg *Config, token string, state *State, wg *sync.WaitGroup) []*loadConn {
	batchSize := cfg.RampRate / 10 // 10 batches per second
	if batchSize < 1 {
		batchSize = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var (
		mu    sync.Mutex
		conns []*loadConn
		id    int
	)
	for state.totalCreated.Load() < int64(cfg.TargetConnections) {
		select {
		case <-ctx.Done():
			return conns
		case <-ticker.C:
		}

		var batch sync.WaitGroup
		for i := 0; i < batchSize && state.totalCreated.Load() < int64(cfg.TargetConnections); i++ {
			state.totalCreated.Add(1)
			batch.Add(1)
			go func(connID int) {
				defer batch.Done()
				c, err := connect(ctx, cfg, token, connID)
				if err != nil {
					state.failedConnections.Add(1)
					counter, _ := state.connectionErrors.LoadOrStore(err.Error(), new(atomic.Int64))
					counter.(*atomic.Int64).Add(1)
					return
				}
				state.activeConnections.Add(1)
				mu.Lock()
				conns = append(conns, c)
				mu.Unlock()

				wg.Add(1)
				go func() {
					defer wg.Done()
					c.readLoop(state)
				}()
				if cfg.Channel != "" && cfg.SendInterval > 0 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						c.sendLoop(ctx, cfg, state)
					}()
				}
			}(id)
			id++
		}
		batch.Wait()
	}
	return conns
}

func connect(ctx context.Context, cfg *Config, token string, id int) (*loadConn, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = cfg.Hub

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectionTimeout,
		NetDialContext: (&net.Dialer{
			Timeout:   cfg.ConnectionTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	header := http.Header{}
	header.Set("Cookie", identity.DefaultCookieName+"="+token)

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("handshake rejected: %s", resp.Status)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	resp.Body.Close()

	// Server pings every 27s; allow one missed ping.
	const readTimeout = 60 * time.Second
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	c := &loadConn{id: id, ws: ws}
	if cfg.Channel != "" {
		if err := c.writeFrame(map[string]any{"type": messaging.FrameJoin, "id": "join", "channel": cfg.Channel}); err != nil {
			ws.Close()
			return nil, fmt.Errorf("join failed: %w", err)
		}
	}
	return c, nil
}

func (c *loadConn) writeFrame(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *loadConn) readLoop(state *State) {
	defer state.activeConnections.Add(-1)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env messaging.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case messaging.TypeMessage:
			state.messagesReceived.Add(1)
		case messaging.TypeAck:
			state.acks.Add(1)
		case messaging.TypeError:
			state.errorEnvelopes.Add(1)
		}
	}
}

func (c *loadConn) sendLoop(ctx context.Context, cfg *Config, state *State) {
	ticker := time.NewTicker(cfg.SendInterval)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			err := c.writeFrame(map[string]any{
				"type":    messaging.FrameSend,
				"id":      fmt.Sprintf("%d-%d", c.id, seq),
				"channel": cfg.Channel,
				"data":    map[string]any{"seq": seq, "sent_at": time.Now().UnixMilli()},
			})
			if err != nil {
				return
			}
			state.messagesSent.Add(1)
		}
	}
}

func (c *loadConn) close() {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}

func periodicReports(ctx context.Context, interval time.Duration, state *State, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report(state, logger, "Progress")
		}
	}
}

func report(state *State, logger zerolog.Logger, msg string) {
	errs := zerolog.Dict()
	state.connectionErrors.Range(func(k, v any) bool {
		errs.Int64(k.(string), v.(*atomic.Int64).Load())
		return true
	})

	logger.Info().
		Dur("elapsed", time.Since(state.startTime).Round(time.Second)).
		Int64("active", state.activeConnections.Load()).
		Int64("created", state.totalCreated.Load()).
		Int64("failed", state.failedConnections.Load()).
		Int64("sent", state.messagesSent.Load()).
		Int64("acks", state.acks.Load()).
		Int64("received", state.messagesReceived.Load()).
		Int64("error_envelopes", state.errorEnvelopes.Load()).
		Dict("connection_errors", errs).
		Msg(msg)
}
