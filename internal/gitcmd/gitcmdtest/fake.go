// Package gitcmdtest provides a scripted gitcmd.Runner for tests.
package gitcmdtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/simplesurance/gitpublisher/internal/publisherr"
)

// Response is the scripted result of a command.
type Response struct {
	Output   string
	ExitCode int
}

// FakeRunner records executed commands and returns scripted results.
// Commands are matched by their space-joined arguments prefix, the longest
// matching prefix wins. Commands without a matching response succeed with
// empty output.
type FakeRunner struct {
	lock      sync.Mutex
	responses map[string]Response
	calls     [][]string

	// Hook, if set, is called for each command before the scripted
	// response is looked up.
	Hook func(args []string)
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: map[string]Response{}}
}

// On scripts the response for commands starting with cmdPrefix, e.g.
// "rebase --rebase-merges".
func (f *FakeRunner) On(cmdPrefix string, resp Response) *FakeRunner {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.responses[cmdPrefix] = resp

	return f
}

// Fail scripts commands starting with cmdPrefix to fail with exit code 1.
func (f *FakeRunner) Fail(cmdPrefix, output string) *FakeRunner {
	return f.On(cmdPrefix, Response{Output: output, ExitCode: 1})
}

func (f *FakeRunner) Run(_ context.Context, args ...string) (string, error) {
	if f.Hook != nil {
		f.Hook(args)
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	f.calls = append(f.calls, append([]string(nil), args...))

	cmd := strings.Join(args, " ")
	var match string
	var resp Response
	var found bool
	for prefix, r := range f.responses {
		if !strings.HasPrefix(cmd, prefix) || len(prefix) < len(match) {
			continue
		}
		match = prefix
		resp = r
		found = true
	}

	if !found || resp.ExitCode == 0 {
		return resp.Output, nil
	}

	return resp.Output, &publisherr.CommandError{
		Args:     append([]string{"git"}, args...),
		ExitCode: resp.ExitCode,
		Output:   resp.Output,
		Err:      fmt.Errorf("exit status %d", resp.ExitCode),
	}
}

// Calls returns the executed commands, each joined by spaces.
func (f *FakeRunner) Calls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()

	result := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		result = append(result, strings.Join(c, " "))
	}

	return result
}

// Called returns true if a command starting with cmdPrefix was executed.
func (f *FakeRunner) Called(cmdPrefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, cmdPrefix) {
			return true
		}
	}

	return false
}
