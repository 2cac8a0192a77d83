// internal/pipeline/vars.go
package pipeline

import (
	"fmt"
	"sort"
	"strconv"
)

// pipelineVars is the run-scoped variable set: definition globals, then
// trigger-supplied variables, then the predefined CI variables. Later layers
// win so the predefined values cannot be spoofed by a definition.
func pipelineVars(spec *Spec, run *Run) map[string]string {
	vars := make(map[string]string, len(spec.Variables)+len(run.Variables)+8)
	for k, v := range spec.Variables {
		vars[k] = v
	}
	for k, v := range run.Variables {
		vars[k] = v
	}
	vars["CI"] = "true"
	vars["CI_PIPELINE_ID"] = run.ID
	vars["CI_COMMIT_REF_NAME"] = run.Ref
	vars["CI_COMMIT_SHA"] = run.SHA
	vars["CI_COMMIT_SHORT_SHA"] = run.ShortSHA()
	vars["CI_COMMIT_REF_PROTECTED"] = strconv.FormatBool(run.Protected)
	return vars
}

// JobVars extends the pipeline-level set with the job's own variables and
// job-scoped predefined values.
func JobVars(spec *Spec, job JobSpec, run *Run) map[string]string {
	vars := make(map[string]string, len(spec.Variables)+len(job.Variables)+12)
	for k, v := range spec.Variables {
		vars[k] = v
	}
	for k, v := range job.Variables {
		vars[k] = v
	}
	for k, v := range run.Variables {
		vars[k] = v
	}
	vars["CI"] = "true"
	vars["CI_PIPELINE_ID"] = run.ID
	vars["CI_COMMIT_REF_NAME"] = run.Ref
	vars["CI_COMMIT_SHA"] = run.SHA
	vars["CI_COMMIT_SHORT_SHA"] = run.ShortSHA()
	vars["CI_COMMIT_REF_PROTECTED"] = strconv.FormatBool(run.Protected)
	vars["CI_JOB_NAME"] = job.Name
	vars["CI_JOB_STAGE"] = job.Stage
	if job.Environment != "" {
		vars["CI_ENVIRONMENT_NAME"] = job.Environment
	}
	return vars
}

// EnvList renders a variable map as sorted KEY=VALUE pairs for exec.
func EnvList(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return env
}
