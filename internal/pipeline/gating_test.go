package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalExpr(t *testing.T) {
	vars := map[string]string{
		"CI_COMMIT_REF_PROTECTED": "true",
		"CI_COMMIT_REF_NAME":      "master",
		"EMPTY":                   "",
	}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{`$CI_COMMIT_REF_NAME`, true, false},
		{`$EMPTY`, false, false},
		{`$UNDEFINED`, false, false},
		{`$CI_COMMIT_REF_PROTECTED == "true"`, true, false},
		{`$CI_COMMIT_REF_PROTECTED == "false"`, false, false},
		{`$CI_COMMIT_REF_PROTECTED != "false"`, true, false},
		{`$CI_COMMIT_REF_NAME == 'master'`, true, false},
		{`$UNDEFINED == "x"`, false, false},
		{`$UNDEFINED == null`, true, false},
		{`$CI_COMMIT_REF_NAME == null`, false, false},
		{`$CI_COMMIT_REF_NAME != null`, true, false},
		{`  $CI_COMMIT_REF_NAME == "master"  `, true, false},
		{`CI_COMMIT_REF_NAME == "master"`, false, true},
		{`$CI_COMMIT_REF_NAME =~ /master/`, false, true},
		{`$CI_COMMIT_REF_NAME == master`, false, true},
		{``, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpr(tt.expr, vars)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalExpr_SyntaxOnly(t *testing.T) {
	// nil vars checks syntax without evaluating
	_, err := evalExpr(`$VAR == "x"`, nil)
	assert.NoError(t, err)

	_, err = evalExpr(`nonsense`, nil)
	assert.Error(t, err)
}

func gateSpec() *Spec {
	return &Spec{
		Stages:    []string{"deploy"},
		Variables: map[string]string{"GLOBAL": "yes"},
	}
}

func TestGate_WhenNever(t *testing.T) {
	d := Gate(JobSpec{Name: "j", When: WhenNever}, gateSpec(), &Run{Ref: "master"})
	assert.False(t, d.Run)
	assert.Equal(t, StatusSkipped, d.Status)
}

func TestGate_WhenManual(t *testing.T) {
	d := Gate(JobSpec{Name: "j", When: WhenManual}, gateSpec(), &Run{Ref: "master"})
	assert.False(t, d.Run)
	assert.Equal(t, StatusManual, d.Status)
}

func TestGate_RefMatching(t *testing.T) {
	job := JobSpec{Name: "deploy", When: WhenOnSuccess, Only: OnlySpec{Refs: []string{"master", "release/*"}}}

	d := Gate(job, gateSpec(), &Run{Ref: "master"})
	assert.True(t, d.Run)

	d = Gate(job, gateSpec(), &Run{Ref: "release/2.1"})
	assert.True(t, d.Run)

	d = Gate(job, gateSpec(), &Run{Ref: "feature/thing"})
	assert.False(t, d.Run)
	assert.Equal(t, StatusSkipped, d.Status)
	assert.Contains(t, d.Reason, "only.refs")
}

func TestGate_ProtectedBranchExpression(t *testing.T) {
	job := JobSpec{
		Name: "deploy",
		When: WhenOnSuccess,
		Only: OnlySpec{
			Refs:      []string{"master"},
			Variables: []string{`$CI_COMMIT_REF_PROTECTED == "true"`},
		},
	}

	d := Gate(job, gateSpec(), &Run{Ref: "master", Protected: true})
	assert.True(t, d.Run)

	d = Gate(job, gateSpec(), &Run{Ref: "master", Protected: false})
	assert.False(t, d.Run)
	assert.Equal(t, StatusSkipped, d.Status)
}

func TestGate_VariablesAreORed(t *testing.T) {
	job := JobSpec{
		Name: "j",
		When: WhenOnSuccess,
		Only: OnlySpec{
			Variables: []string{`$NOPE == "1"`, `$GLOBAL == "yes"`},
		},
	}

	d := Gate(job, gateSpec(), &Run{Ref: "master"})
	assert.True(t, d.Run)
}

func TestGate_TriggerVariablesVisible(t *testing.T) {
	job := JobSpec{
		Name: "j",
		When: WhenOnSuccess,
		Only: OnlySpec{Variables: []string{`$FORCE_DEPLOY`}},
	}

	d := Gate(job, gateSpec(), &Run{Ref: "master"})
	assert.False(t, d.Run)

	d = Gate(job, gateSpec(), &Run{Ref: "master", Variables: map[string]string{"FORCE_DEPLOY": "1"}})
	assert.True(t, d.Run)
}

func TestGate_ManualEvaluatedAfterRefs(t *testing.T) {
	// A manual job outside its refs is skipped, not recorded as manual.
	job := JobSpec{Name: "j", When: WhenManual, Only: OnlySpec{Refs: []string{"master"}}}

	d := Gate(job, gateSpec(), &Run{Ref: "feature/x"})
	assert.Equal(t, StatusSkipped, d.Status)

	d = Gate(job, gateSpec(), &Run{Ref: "master"})
	assert.Equal(t, StatusManual, d.Status)
}
