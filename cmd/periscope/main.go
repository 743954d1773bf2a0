// =============================================================================
// Periscope 主入口
// =============================================================================
// 问答流水线与云浏览器任务的命令行入口
//
// 使用方法:
//
//	periscope ask "question"                  # 运行 decide/search/respond 流水线
//	periscope ask --config periscope.yaml "q" # 指定配置文件
//	periscope browse --task "..."             # 提交云浏览器任务
//	periscope version                         # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/periscopehq/periscope/browser"
	"github.com/periscopehq/periscope/config"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ask":
		runAsk(os.Args[2:])
	case "browse":
		runBrowse(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runAsk 执行问答流水线
func runAsk(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "Usage: periscope ask [--config path] \"question\"")
		os.Exit(1)
	}

	cfg, logger := loadConfigAndLogger(*configPath)
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}

	state, runID, err := app.Assistant.Ask(ctx, question)
	if err != nil {
		// logger.Fatal 通过 os.Exit 退出，必须先冲刷失败运行的追踪事件
		closeApp(app, logger)
		logger.Fatal("pipeline failed", zap.Error(err))
	}

	fmt.Println(state.Answer)
	fmt.Println()
	fmt.Printf("  needs_search: %v\n", state.NeedsSearch)
	if state.Rationale != "" {
		fmt.Printf("  rationale:    %s\n", state.Rationale)
	}
	if state.SearchError != nil {
		fmt.Printf("  search_error: %s\n", state.SearchError.Message)
	}
	if runID != "" {
		fmt.Printf("  run_id:       %s\n", runID)
	}
	closeApp(app, logger)
}

// closeApp 冲刷剩余追踪事件并关闭遥测
func closeApp(app *App, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		logger.Warn("failed to close pipeline", zap.Error(err))
	}
}

// runBrowse 提交云浏览器任务
func runBrowse(args []string) {
	fs := flag.NewFlagSet("browse", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	task := fs.String("task", "", "Natural-language task for the browser agent")
	startURL := fs.String("start-url", "", "URL to open before the agent starts")
	maxSteps := fs.Int("max-steps", 0, "Cap on agent actions (0 = service default)")
	profile := fs.String("profile", "", "Saved browser profile to load")
	proxy := fs.Bool("proxy", false, "Route the session through the service proxy")
	fs.Parse(args)

	if strings.TrimSpace(*task) == "" {
		fmt.Fprintln(os.Stderr, "Usage: periscope browse [--config path] --task \"...\"")
		os.Exit(1)
	}

	cfg, logger := loadConfigAndLogger(*configPath)
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	client, err := browser.NewClient(cfg.Browser, logger)
	if err != nil {
		logger.Fatal("failed to create browser client", zap.Error(err))
	}

	session, err := client.CreateSession(ctx, browser.SessionConfig{
		Profile: *profile,
		Proxy:   *proxy,
	})
	if err != nil {
		logger.Fatal("failed to create session", zap.Error(err))
	}
	defer func() {
		endCtx, endCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer endCancel()
		if err := client.EndSession(endCtx, session.ID); err != nil {
			logger.Warn("failed to end session", zap.Error(err))
		}
	}()

	if session.LiveViewURL != "" {
		fmt.Printf("live view: %s\n", session.LiveViewURL)
	}

	result, err := client.RunTask(ctx, session.ID, browser.Task{
		Prompt:   *task,
		StartURL: *startURL,
		MaxSteps: *maxSteps,
	})
	if err != nil {
		logger.Fatal("task failed", zap.Error(err))
	}

	for _, step := range result.Steps {
		fmt.Printf("  [%d] %s %s\n", step.Index, step.Action, step.Detail)
	}
	fmt.Printf("status: %s\n", result.Status)
	if result.Output != "" {
		fmt.Println(result.Output)
	}
	if result.Error != "" {
		fmt.Fprintln(os.Stderr, "error:", result.Error)
		os.Exit(1)
	}
}

// loadConfigAndLogger 加载并验证配置，初始化日志
func loadConfigAndLogger(configPath string) (*config.Config, *zap.Logger) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	return cfg, initLogger(cfg.Log)
}

// signalContext 返回在 SIGINT/SIGTERM 时取消的 context
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printVersion() {
	fmt.Printf("Periscope %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Periscope - traced LLM pipelines and cloud browser tasks

Usage:
  periscope <command> [options]

Commands:
  ask       Answer a question through the decide/search/respond pipeline
  browse    Run a natural-language task in a cloud browser session
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  periscope ask "Who won the most recent Champions League final?"
  periscope ask --config periscope.yaml "What is 2+2?"
  periscope browse --task "fill out the contact form as Jane Doe" --start-url https://example.com
  periscope version`)
}

// initLogger 按配置构建 zap logger
func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
