// internal/pipeline/gating.go
package pipeline

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Decision is the outcome of gating a job against a run.
type Decision struct {
	Run    bool
	Status Status
	Reason string
}

// Gate decides whether a job executes for this run. Sections of `only`
// combine with AND; expressions inside only.variables combine with OR.
// Expressions are evaluated against the pipeline-level variable set, not the
// job's own variables.
func Gate(job JobSpec, spec *Spec, run *Run) Decision {
	if job.When == WhenNever {
		return Decision{Status: StatusSkipped, Reason: "when: never"}
	}

	if len(job.Only.Refs) > 0 && !refMatches(job.Only.Refs, run.Ref) {
		return Decision{Status: StatusSkipped, Reason: fmt.Sprintf("ref %q not in only.refs", run.Ref)}
	}

	if len(job.Only.Variables) > 0 {
		vars := pipelineVars(spec, run)
		matched := false
		for _, expr := range job.Only.Variables {
			ok, err := evalExpr(expr, vars)
			if err != nil {
				return Decision{Status: StatusSkipped, Reason: fmt.Sprintf("bad expression %q: %v", expr, err)}
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return Decision{Status: StatusSkipped, Reason: "no only.variables expression matched"}
		}
	}

	if job.When == WhenManual {
		return Decision{Status: StatusManual, Reason: "manual job, not played in triggered runs"}
	}

	return Decision{Run: true}
}

func refMatches(patterns []string, ref string) bool {
	for _, pattern := range patterns {
		if pattern == ref {
			return true
		}
		if ok, err := path.Match(pattern, ref); err == nil && ok {
			return true
		}
	}
	return false
}

// exprPattern covers the supported forms: $VAR, $VAR == "lit", $VAR != 'lit',
// and comparisons against the null keyword.
var exprPattern = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_]*)(?:\s*(==|!=)\s*(.+))?$`)

// evalExpr evaluates one variable expression. A nil vars map only checks the
// syntax, which lets definition loading reject bad expressions early.
func evalExpr(expr string, vars map[string]string) (bool, error) {
	m := exprPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return false, fmt.Errorf("unsupported variable expression %q", expr)
	}
	name, op, rhs := m[1], m[2], strings.TrimSpace(m[3])

	if op == "" {
		// Bare $VAR: defined and non-empty.
		if vars == nil {
			return false, nil
		}
		return vars[name] != "", nil
	}

	isNull := rhs == "null"
	var literal string
	if !isNull {
		var err error
		literal, err = unquote(rhs)
		if err != nil {
			return false, fmt.Errorf("expression %q: %w", expr, err)
		}
	}
	if vars == nil {
		return false, nil
	}

	value, defined := vars[name]
	var equal bool
	if isNull {
		equal = !defined
	} else {
		equal = defined && value == literal
	}
	if op == "!=" {
		return !equal, nil
	}
	return equal, nil
}

func unquote(s string) (string, error) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], nil
		}
	}
	return "", fmt.Errorf("literal %s must be quoted or null", s)
}
