// Command defusal is a terminal client for the two-player bomb defusal game.
// It keeps a live mirror of the joined game, prints the shared chat as the
// server echoes it and turns commands typed on stdin into intents.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/chat"
	"github.com/bombsquad/defusal/internal/config"
	"github.com/bombsquad/defusal/internal/gamestate"
	"github.com/bombsquad/defusal/internal/messaging"
	"github.com/bombsquad/defusal/internal/metrics"
	"github.com/bombsquad/defusal/internal/session"
	"github.com/bombsquad/defusal/internal/transcript"
	"github.com/bombsquad/defusal/internal/transport"
)

const usage = `commands:
  /join <game> <defuser|expert>   join a game
  /solve <module>                 submit a module solve
  /strike                         report a strike
  /state                          print the current game
  /chat                           print the chat log
  /reconnect                      retry after the connection gave up
  /quit                           leave
anything else is sent as chat`

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Transport ---
	tcfg := transport.DefaultConfig(cfg.Endpoint)
	tcfg.MaxReconnectAttempts = cfg.ReconnectAttempts
	tcfg.ReconnectDelay = cfg.ReconnectDelay
	conn := transport.New(tcfg)
	defer conn.Disconnect()

	state := gamestate.New()
	chatLog := chat.NewLog()

	// --- Redis resume store (optional) ---
	var opts []session.Option
	if cfg.RedisAddr != "" {
		store, err := session.NewStore(cfg.RedisAddr)
		if err != nil {
			log.Warn().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("resume store unavailable")
		} else {
			defer store.Close()
			opts = append(opts, session.WithResumeStore(cfg.ClientID, store))
		}
	}

	ctrl := session.NewController(conn, state, chatLog, opts...)
	defer ctrl.Close()

	// --- NATS bridge (optional) ---
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "defusal-" + cfg.ClientID
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Warn().Err(err).Msg("presentation bridge unavailable")
		} else {
			defer natsClient.Close()
			bridge := messaging.NewBridge(natsClient, cfg.ClientID, ctrl)
			if err := bridge.Attach(state, chatLog, conn); err != nil {
				log.Warn().Err(err).Msg("presentation bridge failed to attach")
			}
			defer bridge.Close()
		}
	}

	// --- Postgres transcripts (optional) ---
	var archive *transcript.Store
	if cfg.PostgresDSN != "" {
		db, err := transcript.Open(cfg.PostgresDSN)
		if err == nil {
			err = transcript.Migrate(db)
		}
		if err != nil {
			log.Warn().Err(err).Msg("transcript archive unavailable")
		} else {
			defer db.Close()
			archive = transcript.NewStore(db)
			recorder := transcript.NewRecorder(archive, cfg.ClientID, chatLog, clockwork.NewRealClock())
			recorder.Attach(state)
			defer recorder.Close()
		}
	}

	// --- Metrics ---
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Router(func() string { return conn.Status().String() }),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	// --- Presentation ---
	out := bufio.NewWriter(os.Stdout)
	printer := &printer{out: out}
	unsubState := state.Subscribe(printer.stateChanged)
	defer unsubState()
	unsubChat := chatLog.Subscribe(printer.chat)
	defer unsubChat()
	unsubErr := conn.OnConnectionError(func(msg string) { printer.line("!! %s (type /reconnect to retry)", msg) })
	defer unsubErr()
	unsubStatus := conn.OnStatus(func(s transport.Status) { printer.line("-- %s", s) })
	defer unsubStatus()

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("client_id", cfg.ClientID).
		Int("reconnect_attempts", cfg.ReconnectAttempts).
		Dur("reconnect_delay", cfg.ReconnectDelay).
		Msg("defusal client starting")

	if archive != nil {
		countCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if n, err := archive.CountSince(countCtx, cfg.ClientID, 24*time.Hour); err == nil {
			printer.line("-- %d games archived in the last 24h", n)
		}
		cancel()
	}

	if err := conn.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start connection")
	}

	printer.line("%s", usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(ctx, strings.TrimSpace(line), ctrl, conn, printer); quit {
				return
			}
		}
	}
}

// run executes one input line and reports whether the client should exit.
func run(ctx context.Context, line string, ctrl *session.Controller, conn *transport.Session, p *printer) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		p.result(ctrl.SendChat(line))
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/join":
		if len(fields) != 3 {
			p.line("usage: /join <game> <defuser|expert>")
			return false
		}
		p.result(ctrl.Join(fields[1], fields[2]))
	case "/solve":
		if len(fields) != 2 {
			p.line("usage: /solve <module>")
			return false
		}
		p.result(ctrl.SolveModule(fields[1]))
	case "/strike":
		p.result(ctrl.ReportStrike())
	case "/state":
		p.state(ctrl.State().Snapshot())
	case "/chat":
		for _, m := range ctrl.Chat().Messages() {
			p.chat(m)
		}
	case "/reconnect":
		p.result(conn.Reconnect(ctx))
	case "/quit":
		return true
	default:
		p.line("%s", usage)
	}
	return false
}

// printer serialises output from the input loop and the subscription
// callbacks.
type printer struct {
	out *bufio.Writer
	mu  sync.Mutex

	shown string // last printed state, minus the countdown
}

func (p *printer) line(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
	p.out.Flush()
}

func (p *printer) result(err error) {
	if err != nil {
		p.line("!! %v", err)
	}
}

// stateChanged prints s unless only the countdown moved since the last print.
func (p *printer) stateChanged(s gamestate.GameState) {
	key := fmt.Sprintf("%s|%s|%s|%d|%d|%d|%t|%t", s.GameID, s.Role, s.PartnerID, len(s.Modules), s.Solved, s.Strikes, s.GameOver, s.Winner)
	p.mu.Lock()
	same := key == p.shown
	p.shown = key
	p.mu.Unlock()
	if !same {
		p.state(s)
	}
}

func (p *printer) state(s gamestate.GameState) {
	if !s.Joined() {
		p.line("-- not in a game")
		return
	}
	outcome := "running"
	if s.GameOver {
		outcome = "lost"
		if s.Winner {
			outcome = "defused"
		}
	}
	p.line("== %s as %s | %ds left | solved %d/%d | strikes %d/%d | %s",
		s.GameID, s.Role, s.TimeRemaining, s.Solved, len(s.Modules), s.Strikes, s.MaxStrikes, outcome)
}

func (p *printer) chat(m chat.Message) {
	p.line("[%s] %s: %s", m.Timestamp, m.Sender, m.Content)
}
