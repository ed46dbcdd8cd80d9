// Package tdd holds conformance suites run against a loaded plugin. A suite
// drives real flows through the pipeline engine with the memory connector on
// the other end and reports one Check per verified behaviour.
package tdd

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Check is the outcome of one verification
type Check struct {
	Name    string        `json:"name"`
	Passed  bool          `json:"passed"`
	Warning bool          `json:"warning,omitempty"`
	Message string        `json:"message,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Report collects the checks of a suite run
type Report struct {
	Suite  string  `json:"suite"`
	Plugin string  `json:"plugin"`
	Checks []Check `json:"checks"`
}

// Passed reports whether every check passed. Warnings do not fail a run.
func (r *Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed && !c.Warning {
			return false
		}
	}
	return true
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
}

// step runs fn as the check name and reports whether it passed
func (r *Report) step(name string, fn func() (string, error)) bool {
	start := time.Now()
	msg, err := fn()
	c := Check{Name: name, Passed: err == nil, Message: msg, Elapsed: time.Since(start)}
	if err != nil {
		c.Message = err.Error()
	}
	r.add(c)
	return c.Passed
}

func (r *Report) warn(name, format string, args ...interface{}) {
	r.add(Check{Name: name, Warning: true, Message: fmt.Sprintf(format, args...)})
}

// WriteText prints the report, one line per check
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s\n", r.Suite, r.Plugin)
	for _, c := range r.Checks {
		status := "PASS"
		switch {
		case c.Warning:
			status = "WARN"
		case !c.Passed:
			status = "FAIL"
		}
		fmt.Fprintf(&b, "  [%s] %-16s %s\n", status, c.Name, c.Message)
	}
	if r.Passed() {
		b.WriteString("result: passed\n")
	} else {
		b.WriteString("result: failed\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
