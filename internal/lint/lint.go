// Package lint verifies commit descriptions and committer names of commits
// before they are published.
package lint

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

const loggerName = "lint"

// LogFormat is the git pretty format of the log output that ParseLog
// expects.
const LogFormat = "%H%x00%cn%x00%s"

const (
	RuleForbiddenSubject = "forbidden_subject"
	RuleCommitterName    = "committer_name"
)

// DefaultForbiddenSubjects are regular expressions matching subjects of
// commits that must not be published.
var DefaultForbiddenSubjects = []string{
	`^(fixup|squash|amend)! `,
	`(?i)^wip\b`,
	`^Merge remote-tracking branch `,
	`^Merge branch '[^']+' of `,
}

// DefaultCommitterNamePattern requires a first and last name.
const DefaultCommitterNamePattern = `^\S+(\s+\S+)+$`

// Commit is a commit as described by a line of git log output.
type Commit struct {
	ID            string
	CommitterName string
	Subject       string
}

// Rules checks commits for forbidden subjects and malformed committer names.
type Rules struct {
	forbiddenSubjects []*regexp.Regexp
	committerName     *regexp.Regexp
	logger            *zap.Logger
}

// NewRules compiles the rules.
// If forbiddenSubjects is nil, DefaultForbiddenSubjects are used. If
// committerNamePattern is empty, DefaultCommitterNamePattern is used.
func NewRules(forbiddenSubjects []string, committerNamePattern string) (*Rules, error) {
	if forbiddenSubjects == nil {
		forbiddenSubjects = DefaultForbiddenSubjects
	}

	if committerNamePattern == "" {
		committerNamePattern = DefaultCommitterNamePattern
	}

	r := Rules{
		forbiddenSubjects: make([]*regexp.Regexp, 0, len(forbiddenSubjects)),
		logger:            zap.L().Named(loggerName),
	}

	for _, s := range forbiddenSubjects {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("compiling forbidden subject regex %q failed: %w", s, err)
		}

		r.forbiddenSubjects = append(r.forbiddenSubjects, re)
	}

	re, err := regexp.Compile(committerNamePattern)
	if err != nil {
		return nil, fmt.Errorf("compiling committer name regex %q failed: %w", committerNamePattern, err)
	}
	r.committerName = re

	return &r, nil
}

// MustDefaultRules returns Rules with the default patterns.
func MustDefaultRules() *Rules {
	r, err := NewRules(nil, "")
	if err != nil {
		panic(err)
	}

	return r
}

// Check verifies all commits and returns a *publisherr.LintViolationError
// listing every violation, or nil.
func (r *Rules) Check(commits []*Commit) error {
	var violations []*publisherr.LintViolation

	for _, c := range commits {
		for _, re := range r.forbiddenSubjects {
			if re.MatchString(c.Subject) {
				violations = append(violations, &publisherr.LintViolation{
					Commit: c.ID,
					Rule:   RuleForbiddenSubject,
					Detail: fmt.Sprintf("subject %q matches %q", c.Subject, re.String()),
				})
				break
			}
		}

		if !r.committerName.MatchString(strings.TrimSpace(c.CommitterName)) {
			violations = append(violations, &publisherr.LintViolation{
				Commit: c.ID,
				Rule:   RuleCommitterName,
				Detail: fmt.Sprintf("committer name %q does not match %q", c.CommitterName, r.committerName.String()),
			})
		}
	}

	for _, v := range violations {
		r.logger.Warn(
			"commit violates history rule",
			logfields.Event("lint_violation"),
			logfields.Commit(v.Commit),
			zap.String("rule", v.Rule),
			zap.String("detail", v.Detail),
		)
	}

	if len(violations) > 0 {
		return &publisherr.LintViolationError{Violations: violations}
	}

	return nil
}

// ParseLog parses git log output created with LogFormat.
func ParseLog(out string) ([]*Commit, error) {
	var result []*Commit

	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.SplitN(line, "\x00", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed git log line: %q", line)
		}

		result = append(result, &Commit{
			ID:            strings.TrimSpace(fields[0]),
			CommitterName: fields[1],
			Subject:       fields[2],
		})
	}

	return result, nil
}
