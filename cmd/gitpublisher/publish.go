package main

import (
	"context"
	"os"
	"time"

	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/cfg"
	"github.com/simplesurance/gitpublisher/internal/gitcmd"
	"github.com/simplesurance/gitpublisher/internal/journal"
	"github.com/simplesurance/gitpublisher/internal/lint"
	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/mutex"
	"github.com/simplesurance/gitpublisher/internal/publish"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
	"github.com/simplesurance/gitpublisher/internal/secret"
)

type publishArgs struct {
	*commonArgs
	SourceRef                *string
	TargetBranch             *string
	CommitID                 *string
	RunTests                 *bool
	PushOnSuccess            *bool
	DeleteSourceOnSuccess    *bool
	VerifyCommitDescriptions *bool
	GitUserName              *string
	GitAccessToken           *string
	WorkDir                  *string
	MutexTimeout             *time.Duration
}

func mustNewPublisher(config *cfg.Config, workDir string, mutexTimeout time.Duration, j publish.Journal) *publish.Publisher {
	lintRules, err := lint.NewRules(config.Lint.ForbiddenSubjects, config.Lint.CommitterNamePattern)
	if err != nil {
		exitUsageErr("invalid lint configuration: " + err.Error())
	}

	newRunner := func(secrets *secret.Set) gitcmd.Runner {
		return gitcmd.NewExecRunner(workDir, secrets, gitcmd.WithBinary(config.Git.Binary))
	}

	opts := []publish.Option{
		publish.WithRemote(config.Git.Remote),
		publish.WithCommitter(config.Git.CommitterName, config.Git.CommitterEmail),
		publish.WithPushDefault(config.Git.PushDefault),
		publish.WithProtectedBranch(config.Git.ProtectedBranch),
		publish.WithRebaseMergesFlag(config.Git.RebaseMergesFlag),
		publish.WithMutex(config.Mutex.Name, mutexTimeout),
		publish.WithLintRules(lintRules),
	}

	if j != nil {
		opts = append(opts, publish.WithJournal(j))
	}

	return publish.NewPublisher(newRunner, mutex.NewLocker(config.Mutex.LockDir), opts...)
}

func mustOpenJournal(path string) *journal.Store {
	if path == "" {
		return nil
	}

	store, err := journal.Open(path)
	exitOnErr("could not open journal database", err)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := store.Close(); err != nil {
			logger.Warn(
				"closing journal database failed",
				logfields.Event("journal_close_failed"),
				zap.Error(err),
			)
		}
	})

	return store
}

func runPublish(cliArgs []string) int {
	flags := newFlagSet("publish", "Rebase a source branch onto the target branch, verify its merge topology and fast-forward the target branch.")

	args := publishArgs{
		commonArgs: addCommonFlags(flags),
		SourceRef: flags.String(
			"source-ref",
			"",
			"branch or commit to publish, defaults to $"+envSourceRef,
		),
		TargetBranch: flags.String(
			"target-branch",
			"",
			"branch to integrate into, overrides git.target_branch",
		),
		CommitID: flags.String(
			"commit-id",
			"",
			"full commit id to publish instead of the commit the source references",
		),
		RunTests: flags.Bool(
			"run-tests",
			false,
			"run the built-in merge topology scenarios instead of publishing",
		),
		PushOnSuccess: flags.Bool(
			"push-on-success",
			false,
			"push the target branch after it was fast-forwarded",
		),
		DeleteSourceOnSuccess: flags.Bool(
			"delete-source-on-success",
			false,
			"delete the source branch on the remote after a successful push",
		),
		VerifyCommitDescriptions: flags.Bool(
			"verify-commit-descriptions",
			false,
			"reject commits with forbidden subjects or committer names",
		),
		GitUserName: flags.String(
			"git-user-name",
			"",
			"user name for https remotes, defaults to $"+envGitUserName,
		),
		GitAccessToken: flags.String(
			"git-access-token",
			"",
			"access token for https remotes, defaults to $"+envGitAccessToken,
		),
		WorkDir: flags.String(
			"work-dir",
			"",
			"git working copy, overrides git.work_dir",
		),
		MutexTimeout: flags.Duration(
			"mutex-timeout",
			-1,
			"maximum time to wait for the publish mutex, overrides mutex.timeout",
		),
	}

	mustParseFlags(flags, cliArgs)

	config := mustLoadCfg(*args.ConfigFile, false)
	mustInitLogger(config, *args.Verbose)

	if *args.RunTests {
		return runSelftestScenarios()
	}

	sourceRef := firstNonEmpty(*args.SourceRef, os.Getenv(envSourceRef))
	if sourceRef == "" && *args.CommitID == "" {
		exitUsageErr("--source-ref, $" + envSourceRef + " or --commit-id must be set")
	}

	targetBranch := firstNonEmpty(*args.TargetBranch, config.Git.TargetBranch)
	workDir := firstNonEmpty(*args.WorkDir, config.Git.WorkDir)

	mutexTimeout, err := config.MutexTimeout()
	exitOnErr("invalid configuration", err)
	if *args.MutexTimeout >= 0 {
		mutexTimeout = *args.MutexTimeout
	}

	var j publish.Journal
	if store := mustOpenJournal(config.Poll.JournalDB); store != nil {
		j = store
	}

	publisher := mustNewPublisher(config, workDir, mutexTimeout, j)

	opts := publish.Options{
		CommitID:                 *args.CommitID,
		PushOnSuccess:            *args.PushOnSuccess,
		DeleteSourceOnSuccess:    *args.DeleteSourceOnSuccess,
		VerifyCommitDescriptions: *args.VerifyCommitDescriptions,
		GitUserName:              firstNonEmpty(*args.GitUserName, os.Getenv(envGitUserName), config.Git.UserName),
		GitAccessToken:           firstNonEmpty(*args.GitAccessToken, os.Getenv(envGitAccessToken), config.Git.AccessToken),
	}

	logger.Info(
		"publishing",
		logfields.Event("publish_starting"),
		logfields.SourceRef(sourceRef),
		logfields.TargetBranch(targetBranch),
		zap.String("commit_id", opts.CommitID),
		zap.String("work_dir", workDir),
		zap.Bool("push_on_success", opts.PushOnSuccess),
		zap.Bool("delete_source_on_success", opts.DeleteSourceOnSuccess),
		zap.Bool("verify_commit_descriptions", opts.VerifyCommitDescriptions),
		zap.Duration("mutex_timeout", mutexTimeout),
	)

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	done := make(chan struct{})
	goodbye.Register(func(_ context.Context, sig os.Signal) {
		if sig == nil {
			return
		}

		logger.Info(
			"terminating, received signal, cancelling publish attempt",
			logfields.Event("publish_cancelling"),
			zap.Stringer("signal", sig),
		)
		cancelFn()
		<-done
	})

	_, err = publisher.Publish(ctx, sourceRef, targetBranch, &opts)
	close(done)

	if err != nil {
		logger.Error(
			"publishing failed",
			logfields.Event("publish_failed"),
			logfields.Outcome(string(publisherr.Kind(err))),
			zap.Error(err),
		)
	}

	return exitCode(err)
}
