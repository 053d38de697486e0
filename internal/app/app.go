package app

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/thoughts/internal/api"
	"github.com/hitoshi/thoughts/internal/config"
	"github.com/hitoshi/thoughts/internal/database"
	"github.com/hitoshi/thoughts/internal/handler"
	"github.com/hitoshi/thoughts/internal/logger"
	"github.com/hitoshi/thoughts/internal/metrics"
	"github.com/hitoshi/thoughts/internal/middleware"
	"github.com/hitoshi/thoughts/internal/session"
	"github.com/hitoshi/thoughts/internal/worker/cleanup"
)

// cleanupInterval は期限切れセッションを削除する間隔。
const cleanupInterval = time.Hour

// Streams はCLIの入出力先。
type Streams struct {
	In  io.Reader
	Out io.Writer
	// Log は構造化ログの出力先。
	Log io.Writer
}

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。ログはwに、コマンドの出力は標準出力に書き込む。
func Run(w io.Writer, args []string) error {
	return RunWithStreams(Streams{In: os.Stdin, Out: os.Stdout, Log: w}, args)
}

// RunWithStreams は入出力先を指定してRunを実行する。
func RunWithStreams(streams Streams, args []string) error {
	cmd := ParseCommand(args)
	var rest []string
	if len(args) > 0 {
		rest = args[1:]
	}

	switch cmd {
	case CommandHelp:
		fmt.Fprint(streams.Out, usage)
		if len(args) > 0 && args[0] != string(CommandHelp) && args[0] != "-h" && args[0] != "--help" {
			return fmt.Errorf("unknown command: %q", args[0])
		}
		return nil
	case CommandHealthcheck:
		// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(streams.Log)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Debug("starting application",
		slog.String("command", string(cmd)),
		slog.String("session_backend", cfg.SessionBackend),
		slog.String("api_url", cfg.APIURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandMigrate:
		return runMigrate(cfg, streams.Out, rest)
	default:
		return runCLI(cfg, streams, cmd, rest)
	}
}

// newGatewayClient は設定からAPIゲートウェイクライアントを生成する。
func newGatewayClient(cfg *config.Config, store *session.Store, recorder metrics.Recorder, onUnauthorized api.UnauthorizedFunc) *api.Client {
	return api.NewClient(
		&http.Client{Timeout: cfg.RequestTimeout},
		store,
		slog.Default(),
		api.Config{
			BaseURL:        cfg.APIURL,
			LoginPath:      cfg.LoginPath,
			RateLimit:      cfg.APIRateLimit,
			RateBurst:      cfg.APIRateBurst,
			Recorder:       recorder,
			OnUnauthorized: onUnauthorized,
		},
	)
}

// runServe はWebシェルを起動する。
// セッションバックエンドを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. セッションバックエンド
	backend, err := session.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open session backend: %w", err)
	}
	defer backend.Close()

	slog.Info("session backend ready", slog.String("backend", cfg.SessionBackend))

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. APIゲートウェイ（ブラウザセッションごとにストアを束縛して派生する）
	client := newGatewayClient(cfg, session.NewStore(backend, ""), collector,
		func(ctx context.Context, redirectTo string) {
			slog.Info("session expired", slog.String("redirect_to", redirectTo))
		},
	)
	gateways := func(sid string) handler.Gateway {
		return client.ForSession(session.NewStore(backend, sid))
	}

	h, err := handler.New(gateways, cfg.LoginPath, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Handler:     h,
		RateLimiter: rateLimiter,
		Session: middleware.BrowserSessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			MaxAge:       cfg.SessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Metrics: metrics.Handler(registry),
		Logger:  slog.Default(),
	}
	if pinger, ok := backend.(session.Pinger); ok {
		deps.HealthChecker = pinger
	}

	router := handler.NewRouter(deps)

	// 5. 期限切れセッションのクリーンアップ
	if expirer, ok := backend.(session.Expirer); ok {
		job := cleanup.NewCleanupJob(expirer, collector, slog.Default())
		go job.Start(ctx, cleanupInterval)
	}

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
			slog.String("base_url", cfg.BaseURL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-stop:
	}

	slog.Info("shutting down web server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runMigrate はPostgreSQLセッションストアのマイグレーションを実行する。
// -down で全て戻し、-version で現在のバージョンを表示する。
func runMigrate(cfg *config.Config, out io.Writer, args []string) error {
	fs := newFlagSet(CommandMigrate, out)
	down := fs.Bool("down", false, "roll back all migrations")
	version := fs.Bool("version", false, "print the current schema version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	if *version {
		v, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "version %d (dirty: %t)\n", v, dirty)
		return nil
	}

	direction := database.MigrateUp
	if *down {
		direction = database.MigrateDown
	}

	slog.Info("running database migrations",
		slog.String("direction", string(direction)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.Migrate(cfg.DatabaseURL, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
