package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/gitpublisher/internal/cfg"
	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

const appName = "gitpublisher"

const (
	exitCodeSuccess     = 0
	exitCodeFailure     = 1
	exitCodeUsage       = 2
	exitCodeLockTimeout = 3
)

const (
	envSourceRef      = "GITPUBLISHER_SOURCE_REF"
	envGitUserName    = "GITPUBLISHER_GIT_USER_NAME"
	envGitAccessToken = "GITPUBLISHER_GIT_ACCESS_TOKEN"
)

var logger = zap.NewNop()

// Version is set via a ldflag on compilation
var Version = "unknown"

func exit(code int) {
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
	defer cancelFn()

	goodbye.Exit(ctx, code)
}

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	exit(exitCodeFailure)
}

func exitUsageErr(msg string) {
	fmt.Fprintln(os.Stderr, "ERROR:", msg)
	exit(exitCodeUsage)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		exit(exitCodeFailure)
	}
}

// exitCode maps the result of a publish attempt to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitCodeSuccess
	}

	if publisherr.Kind(err) == publisherr.KindQueueTimeout {
		return exitCodeLockTimeout
	}

	return exitCodeFailure
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

// commonArgs are accepted by all sub-commands.
type commonArgs struct {
	Verbose    *bool
	ConfigFile *string
}

func addCommonFlags(flags *pflag.FlagSet) *commonArgs {
	return &commonArgs{
		Verbose: flags.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: flags.StringP(
			"cfg-file",
			"c",
			"",
			"path to the configuration file",
		),
	}
}

func newFlagSet(cmd, usage string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s %s [OPTION]\n%s\n", appName, cmd, usage)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flags.PrintDefaults()
	}

	return flags
}

func mustParseFlags(flags *pflag.FlagSet, args []string) {
	err := flags.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		exit(exitCodeSuccess)
	}
	if err != nil {
		exitUsageErr(err.Error())
	}

	if flags.NArg() != 0 {
		exitUsageErr(fmt.Sprintf("unexpected positional arguments: %s", strings.Join(flags.Args(), " ")))
	}
}

func mustLoadCfg(path string, required bool) *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	if path == "" {
		if required {
			exitUsageErr("--cfg-file must be specified")
		}

		return cfg.Default()
	}

	config, err := cfg.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: could not load configuration file %s: %s\n", path, err)
		exit(exitCodeUsage)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config, verbose bool) {
	var logLevel zapcore.Level
	if verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			exit(exitCodeUsage)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		exit(exitCodeUsage)
	}

	zap.ReplaceGlobals(logger)
	logger = logger.Named("main")

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [COMMAND] [OPTION]...
Integrate branches into a target branch, preserving merge commits.

Commands:
  publish   rebase a source branch onto the target branch and fast-forward it (default)
  poll      publish active pull requests periodically
  validate  check the merge topology of a commit range
  selftest  run the built-in merge topology scenarios
  version   print the version and exit

Run '%s COMMAND --help' for the options of a command.
`, appName, appName)
}

func main() {
	defer panicHandler()

	defer exit(exitCodeFailure)
	goodbye.Notify(context.Background())

	cmd := "publish"
	args := os.Args[1:]

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "publish":
		exit(runPublish(args))
	case "poll":
		exit(runPoll(args))
	case "validate":
		exit(runValidate(args))
	case "selftest":
		exit(runSelftest(args))
	case "version":
		fmt.Printf("%s %s\n", appName, Version)
		exit(exitCodeSuccess)
	case "help":
		usage()
		exit(exitCodeSuccess)
	default:
		usage()
		exitUsageErr(fmt.Sprintf("unknown command: %q", cmd))
	}
}
