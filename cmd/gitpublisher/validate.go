package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/history"
	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/selftest"
	"github.com/simplesurance/gitpublisher/internal/topology"
)

func runValidate(cliArgs []string) int {
	flags := newFlagSet("validate", "Check that the commits in BASE..HEAD are linear segments joined by merge commits.")
	args := addCommonFlags(flags)
	repoDir := flags.String("repository", ".", "path of the git repository")
	base := flags.String("base", "", "commit or branch the range starts at, defaults to git.target_branch")
	head := flags.String("head", "HEAD", "commit or branch the range ends at")
	mustParseFlags(flags, cliArgs)

	config := mustLoadCfg(*args.ConfigFile, false)
	mustInitLogger(config, *args.Verbose)

	reader, err := history.Open(*repoDir)
	exitOnErr("could not open repository", err)

	rangeBase := firstNonEmpty(*base, config.Git.TargetBranch)

	records, err := reader.ParentRecords(rangeBase, *head)
	exitOnErr("could not read commit history", err)

	report := topology.Validate(records)

	logger.Debug(
		"validated commit range",
		logfields.Event("validate_finished"),
		zap.String("range", rangeBase+".."+*head),
		zap.Int("records", report.Records),
		zap.Stringer("result", report.Result),
	)

	if report.Valid() {
		fmt.Printf("%s..%s: valid (%d commits)\n", rangeBase, *head, report.Records)
		return exitCodeSuccess
	}

	fmt.Printf("%s..%s: invalid (%d commits)\n", rangeBase, *head, report.Records)
	for _, p := range report.ProblemStrings() {
		fmt.Printf("\t%s\n", p)
	}

	return exitCodeFailure
}

func runSelftest(cliArgs []string) int {
	flags := newFlagSet("selftest", "Run the built-in merge topology scenarios.")
	args := addCommonFlags(flags)
	mustParseFlags(flags, cliArgs)

	config := mustLoadCfg(*args.ConfigFile, false)
	mustInitLogger(config, *args.Verbose)

	return runSelftestScenarios()
}

func runSelftestScenarios() int {
	results := selftest.Run(os.Stdout, selftest.Scenarios)

	if failed := selftest.Failures(results); failed > 0 {
		fmt.Printf("%d of %d scenarios failed\n", failed, len(results))
		return exitCodeFailure
	}

	fmt.Printf("all %d scenarios passed\n", len(results))

	return exitCodeSuccess
}
