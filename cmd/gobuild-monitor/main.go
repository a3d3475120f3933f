package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"

	"gobuild/monitor/api"
	"gobuild/monitor/config"
	"gobuild/monitor/connection"
	"gobuild/monitor/events"
	"gobuild/monitor/monitor"
	"gobuild/monitor/notifications"
	"gobuild/monitor/shared/kafka"
	"gobuild/monitor/tui"
)

const usage = `Usage: gobuild-monitor [flags] <command>

Commands:
  watch <buildId>        follow one build: status, progress and logs
  project <projectId>    list the builds of a project
  active                 list builds that are still running
  serve-notifications    run the notification center HTTP API

Flags:
`

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	token := pflag.String("token", "", "bearer token (overrides GOBUILD_TOKEN)")
	listen := pflag.String("listen", "", "notification center address (overrides notifications.listen)")
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gobuild-monitor: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *listen != "" {
		cfg.Notifications.Listen = *listen
	}

	if err := run(cfg, pflag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "gobuild-monitor: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, args []string) error {
	cmd := args[0]
	interactive := cmd != "serve-notifications"

	logger, closeLog, err := newLogger(cfg.Log, interactive)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.manager.Connect(cfg.Token); err != nil {
		// The views fall back to polling while the channel is down.
		logger.Warn("event channel unavailable", "error", err)
	}

	if cfg.Notifications.Listen != "" && interactive {
		srv := app.notificationServer(cfg.Notifications.Listen)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("notification center stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	switch cmd {
	case "watch":
		if len(args) != 2 {
			return errors.New("watch needs a build id")
		}
		return app.watch(ctx, args[1])
	case "project":
		if len(args) != 2 {
			return errors.New("project needs a project id")
		}
		board, err := app.monitor.WatchProject(ctx, args[1])
		if err != nil {
			return err
		}
		return app.browse(ctx, "Project "+args[1], board)
	case "active":
		return app.browse(ctx, "Active builds", app.monitor.WatchActive())
	case "serve-notifications":
		addr := cfg.Notifications.Listen
		if addr == "" {
			addr = ":8085"
		}
		return app.serve(ctx, addr)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// newLogger writes to cfg.File when set. Without a file, interactive
// commands discard logs because the terminal belongs to the UI.
func newLogger(cfg config.LogConfig, interactive bool) (*slog.Logger, func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	switch {
	case cfg.File != "":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	case interactive:
		out = io.Discard
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), closeFn, nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), closeFn, nil
}

type app struct {
	manager *connection.Manager
	store   *notifications.Store
	monitor *monitor.Monitor
	redis   *redis.Client
	logger  *slog.Logger
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	var dialer connection.Dialer
	switch cfg.Transport {
	case config.TransportKafka:
		kd := kafka.NewDialer(cfg.Kafka.Brokers, cfg.Kafka.GroupID)
		kd.Logger = logger
		dialer = kd
	default:
		dialer = connection.NewWebsocketDialer(cfg.WSURL)
	}

	multiplexer := events.New(logger)
	manager := connection.NewManager(dialer, multiplexer, connection.Options{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		Logger:      logger,
	})

	a := &app{manager: manager, logger: logger}

	var repo notifications.Repository = notifications.NewMemoryRepository()
	if cfg.Notifications.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Notifications.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Notifications.RedisAddr, err)
		}
		repo = notifications.NewRedisRepository(a.redis, cfg.Notifications.StoreID)
	}
	a.store = notifications.NewStore(repo, notifications.Options{
		Window:   cfg.Notifications.Window,
		Capacity: cfg.Notifications.Capacity,
		Logger:   logger,
	})

	client := api.NewClient(cfg.APIURL, cfg.Token)
	a.monitor = monitor.New(manager, multiplexer, a.store, client, monitor.Options{
		PollInterval: cfg.Polling.Interval,
		Logger:       logger,
	})
	return a, nil
}

func (a *app) close() {
	a.monitor.Close()
	a.manager.Disconnect()
	if a.redis != nil {
		a.redis.Close()
	}
}

func (a *app) status() tui.Status {
	return tui.Status{
		Connected: a.monitor.Connected,
		Unread:    a.store.UnreadCount,
	}
}

// watch follows buildID. A restart from the build screen reopens it on the
// build the restart created.
func (a *app) watch(ctx context.Context, buildID string) error {
	for buildID != "" {
		view, err := a.monitor.WatchBuild(ctx, buildID)
		if err != nil {
			return err
		}

		final, err := tea.NewProgram(tui.NewBuildModel(view, a.status()),
			tea.WithAltScreen(), tea.WithContext(ctx)).Run()
		view.Close()
		if err != nil {
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		}

		buildID = final.(tui.BuildModel).Next()
		if buildID != "" {
			a.logger.Info("following restarted build", "build_id", buildID)
		}
	}
	return nil
}

// browse shows a build list and opens the build picked with enter.
func (a *app) browse(ctx context.Context, title string, board *monitor.BoardView) error {
	final, err := tea.NewProgram(tui.NewBoardModel(title, board, a.status()),
		tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	board.Close()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	}

	if selected := final.(tui.BoardModel).Selected(); selected != "" {
		return a.watch(ctx, selected)
	}
	return nil
}

func (a *app) notificationServer(addr string) *http.Server {
	r := mux.NewRouter()
	notifications.NewHandler(a.store, a.logger).Register(r)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}

func (a *app) serve(ctx context.Context, addr string) error {
	srv := a.notificationServer(addr)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("notification center listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
