package main

import (
	"context"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/cfg"
	"github.com/simplesurance/gitpublisher/internal/githubclt"
	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/poller"
	"github.com/simplesurance/gitpublisher/internal/prsource"
	"github.com/simplesurance/gitpublisher/internal/publish"
	"github.com/simplesurance/gitpublisher/internal/retryer"
)

const (
	metricsEndpoint = "/metrics"
	queueEndpoint   = "/queue"
)

func mustNewSource(config *cfg.Config, targetBranch string) prsource.Source {
	var src prsource.Source

	switch config.PullRequests.Provider {
	case cfg.ProviderGithub:
		clt, err := githubclt.New(config.PullRequests.URL, config.PullRequests.AccessToken)
		exitOnErr("could not create github client", err)

		src = prsource.NewGithubSource(
			clt,
			config.PullRequests.Owner,
			config.PullRequests.Repository,
			targetBranch,
			config.PullRequests.RequireApproval,
		)

	default:
		src = prsource.NewRESTSource(config.PullRequests.URL, config.PullRequests.AccessToken)
	}

	if config.PullRequests.FilterQuery == "" {
		return src
	}

	filter, err := prsource.NewFilter(config.PullRequests.FilterQuery)
	if err != nil {
		exitUsageErr("invalid pull_requests.filter_query: " + err.Error())
	}

	return prsource.NewFiltered(src, filter)
}

func runPoll(cliArgs []string) int {
	flags := newFlagSet("poll", "Publish active pull requests periodically.")
	args := addCommonFlags(flags)
	mustParseFlags(flags, cliArgs)

	config := mustLoadCfg(*args.ConfigFile, true)
	if err := config.ValidatePoll(); err != nil {
		exitUsageErr("invalid configuration: " + err.Error())
	}

	mustInitLogger(config, *args.Verbose)

	mutexTimeout, err := config.MutexTimeout()
	exitOnErr("invalid configuration", err)

	pollInterval, err := config.PollInterval()
	exitOnErr("invalid configuration", err)

	redacted := config.Redacted()
	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.String("git.remote", config.Git.Remote),
		zap.String("git.work_dir", config.Git.WorkDir),
		zap.String("git.access_token", redacted.Git.AccessToken),
		zap.String("mutex.name", config.Mutex.Name),
		zap.String("mutex.lock_dir", config.Mutex.LockDir),
		zap.Duration("mutex.timeout", mutexTimeout),
		zap.String("pull_requests.provider", config.PullRequests.Provider),
		zap.String("pull_requests.url", config.PullRequests.URL),
		zap.String("pull_requests.access_token", redacted.PullRequests.AccessToken),
		zap.String("pull_requests.filter_query", config.PullRequests.FilterQuery),
		zap.Duration("pull_requests.poll_interval", pollInterval),
		zap.String("poll.http_listen_addr", config.Poll.HTTPListenAddr),
		zap.String("poll.journal_db", config.Poll.JournalDB),
	)

	var (
		j        publish.Journal
		pollOpts = []poller.Option{poller.WithInterval(pollInterval)}
	)

	if store := mustOpenJournal(config.Poll.JournalDB); store != nil {
		j = store
		pollOpts = append(pollOpts, poller.WithFailureJournal(store))
	}

	publisher := mustNewPublisher(config, config.Git.WorkDir, mutexTimeout, j)

	p := poller.New(
		mustNewSource(config, config.Git.TargetBranch),
		publisher,
		retryer.NewRetryer(),
		publish.Options{
			PushOnSuccess:            config.Poll.PushOnSuccess,
			DeleteSourceOnSuccess:    config.Poll.DeleteSourceOnSuccess,
			VerifyCommitDescriptions: config.Poll.VerifyCommitDescriptions,
			GitUserName:              firstNonEmpty(os.Getenv(envGitUserName), config.Git.UserName),
			GitAccessToken:           firstNonEmpty(os.Getenv(envGitAccessToken), config.Git.AccessToken),
		},
		pollOpts...,
	)

	if config.Poll.HTTPListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(metricsEndpoint, promhttp.Handler())
		mux.HandleFunc(queueEndpoint, p.HTTPHandlerList)

		startHTTPServer(config.Poll.HTTPListenAddr, mux)
	}

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		if sig != nil {
			logger.Info(
				"terminating, received signal",
				logfields.Event("terminating"),
				zap.Stringer("signal", sig),
			)
		}

		logger.Debug("stopping poller", logfields.Event("poller_stopping"))
		p.Stop()
	})

	p.Start()

	select {}
}
