package topology

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParentRecord is the commit id followed by the ids of its parents in their
// declared order.
type ParentRecord []string

// Commit returns the commit id of the record.
func (r ParentRecord) Commit() string {
	if len(r) == 0 {
		return ""
	}

	return r[0]
}

// Parents returns the parent ids.
func (r ParentRecord) Parents() []string {
	if len(r) < 2 {
		return nil
	}

	return r[1:]
}

// IsMerge returns true if the commit has exactly 2 parents.
func (r ParentRecord) IsMerge() bool {
	return len(r) == 3
}

// ContinuationParent returns the last parent of the commit.
// For commits without parents an empty string is returned.
func (r ParentRecord) ContinuationParent() string {
	if len(r) < 2 {
		return ""
	}

	return r[len(r)-1]
}

func (r ParentRecord) String() string {
	return strings.Join(r, " ")
}

// ParseRevList reads the output of "git rev-list --parents", one record per
// line.
// Empty lines are skipped.
func ParseRevList(r io.Reader) ([]ParentRecord, error) {
	var result []ParentRecord

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		result = append(result, ParentRecord(fields))
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading rev-list output failed: %w", err)
	}

	return result, nil
}

// ParseRevListString parses the rev-list output in s.
func ParseRevListString(s string) ([]ParentRecord, error) {
	return ParseRevList(strings.NewReader(s))
}
