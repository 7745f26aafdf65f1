// Package selftest runs built-in merge topology scenarios against the
// validator and reports the result of each.
package selftest

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
	"github.com/simplesurance/gitpublisher/internal/topology"
)

const loggerName = "selftest"

// Scenario is a commit-parent listing and the verdict the validator must
// return for it.
type Scenario struct {
	Name     string
	RevList  string
	Expected bool
}

// Scenarios are the built-in scenarios.
var Scenarios = []*Scenario{
	{
		Name: "linear history",
		RevList: `
c3 c2
c2 c1
c1 t0`,
		Expected: true,
	},
	{
		Name: "merge with linear second parent closed by next record",
		RevList: `
m1 p1 s2
s2 s1
s1 p1
p1 t0`,
		Expected: true,
	},
	{
		Name: "overlapping merges",
		RevList: `
m2 p2 m1
m1 p1 s1
s1 p1
p1 p2
p2 t0`,
		Expected: false,
	},
	{
		Name:     "empty range",
		RevList:  "",
		Expected: false,
	},
	{
		Name: "commit out of place",
		RevList: `
c3 c2
c1 t0`,
		Expected: false,
	},
	{
		Name: "merge segment never closed",
		RevList: `
m1 x1 s1
s1 t0`,
		Expected: false,
	},
}

// Result is the outcome of running a scenario.
type Result struct {
	Scenario *Scenario
	Passed   bool
	Report   *topology.Report
	Err      error
}

// Run validates each scenario, writes a PASS or FAIL line per scenario to out
// and returns the results.
func Run(out io.Writer, scenarios []*Scenario) []*Result {
	logger := zap.L().Named(loggerName)
	results := make([]*Result, 0, len(scenarios))

	for _, sc := range scenarios {
		res := runScenario(sc)
		results = append(results, res)

		verdict := "PASS"
		if !res.Passed {
			verdict = "FAIL"
		}

		fmt.Fprintf(out, "%s: %s\n", verdict, sc.Name)

		if res.Err != nil {
			fmt.Fprintf(out, "\terror: %s\n", res.Err)
		} else if !res.Passed {
			fmt.Fprintf(out, "\texpected valid=%t, got valid=%t, problems: %s\n",
				sc.Expected, res.Report.Valid(), strings.Join(res.Report.ProblemStrings(), "; "),
			)
		}

		logger.Debug(
			"scenario finished",
			logfields.Event("selftest_scenario_finished"),
			zap.String("scenario", sc.Name),
			zap.Bool("passed", res.Passed),
		)
	}

	return results
}

func runScenario(sc *Scenario) *Result {
	records, err := topology.ParseRevListString(sc.RevList)
	if err != nil {
		return &Result{Scenario: sc, Err: err}
	}

	report := topology.Validate(records)

	return &Result{
		Scenario: sc,
		Passed:   report.Valid() == sc.Expected,
		Report:   report,
	}
}

// Failures returns the number of results that did not pass.
func Failures(results []*Result) int {
	var cnt int
	for _, r := range results {
		if !r.Passed {
			cnt++
		}
	}

	return cnt
}
