package gate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		AllowedBackends: []string{"ibm_brisbane", "ibm_kyoto"},
		Credentials:     map[string]string{"ibm_brisbane": "IBM_QUANTUM_TOKEN"},
	}
}

func TestEvaluate_Allows(t *testing.T) {
	res := Evaluate(ModeReal, "ibm_brisbane", Flags{}, testConfig())
	assert.True(t, res.Allowed)
	assert.Empty(t, res.ReasonCodes)
	assert.NoError(t, res.Err())
}

func TestEvaluate_DenialComposition(t *testing.T) {
	res := Evaluate(ModeReal, "not-allowed", Flags{Simulate: true, Mock: true}, testConfig())
	require.False(t, res.Allowed)
	assert.Equal(t, []string{
		CodeSimulateInRealMode,
		CodeMockInRealMode,
		CodeBackendNotAllowed,
	}, res.ReasonCodes)

	var denied *DeniedError
	require.ErrorAs(t, res.Err(), &denied)
	assert.Equal(t, res.ReasonCodes, denied.ReasonCodes)
}

func TestEvaluate_DevelopmentModeToleratesOverrides(t *testing.T) {
	res := Evaluate(ModeDevelopment, "ibm_kyoto", Flags{Simulate: true, Mock: true}, testConfig())
	assert.True(t, res.Allowed)
}

func TestEvaluate_NoExecutionTarget(t *testing.T) {
	cfg := Config{
		AllowedBackends: []string{"ibm_brisbane"},
		Credentials:     map[string]string{"ibm_osaka": "TOKEN", "ibm_brisbane": "  "},
	}
	res := Evaluate(ModeDevelopment, "ibm_brisbane", Flags{}, cfg)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{CodeNoExecutionTarget}, res.ReasonCodes)
}

func TestEvaluate_EmptyConfigFailsClosed(t *testing.T) {
	res := Evaluate(ModeDevelopment, "", Flags{}, Config{})
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{CodeBackendNotAllowed, CodeNoExecutionTarget}, res.ReasonCodes)
}

func TestEvaluate_Pure(t *testing.T) {
	cfg := testConfig()
	first := Evaluate(ModeReal, "x", Flags{Mock: true}, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, first, Evaluate(ModeReal, "x", Flags{Mock: true}, cfg))
		}()
	}
	wg.Wait()
	assert.Equal(t, testConfig(), cfg, "config must not be mutated")
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeDevelopment, ParseMode("development"))
	assert.Equal(t, ModeDevelopment, ParseMode(" DEV "))
	assert.Equal(t, ModeReal, ParseMode("real"))
	assert.Equal(t, ModeReal, ParseMode("REAL_EXECUTION"))
	assert.Equal(t, ModeReal, ParseMode("devlopment"), "unknown modes fail closed")
}

func TestGate_CELRules(t *testing.T) {
	g, err := NewGate(testConfig(), []Rule{
		{Code: "SHOTS_TOO_HIGH", Expr: `has(request.shots) && request.shots > 8192`},
		{Code: "OSAKA_FROZEN", Expr: `backend == "ibm_osaka"`},
	})
	require.NoError(t, err)

	res := g.Evaluate(Input{Mode: ModeReal, Backend: "ibm_brisbane", Attributes: map[string]any{"shots": 100}})
	assert.True(t, res.Allowed)

	res = g.Evaluate(Input{Mode: ModeReal, Backend: "ibm_brisbane", Attributes: map[string]any{"shots": 10000}})
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"SHOTS_TOO_HIGH"}, res.ReasonCodes)

	res = g.Evaluate(Input{Mode: ModeReal, Backend: "ibm_osaka", Flags: Flags{Simulate: true}})
	assert.Equal(t, []string{CodeSimulateInRealMode, CodeBackendNotAllowed, "OSAKA_FROZEN"}, res.ReasonCodes)
}

func TestGate_RuleErrorFailsClosed(t *testing.T) {
	g, err := NewGate(testConfig(), []Rule{
		{Code: "NEEDS_SHOTS", Expr: `request.shots > 1`},
		{Code: "NOT_BOOL", Expr: `backend`},
	})
	require.NoError(t, err)

	res := g.Evaluate(Input{Mode: ModeReal, Backend: "ibm_brisbane"})
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{CodeRuleEvalError}, res.ReasonCodes)
}

func TestNewGate_RejectsBadRules(t *testing.T) {
	_, err := NewGate(testConfig(), []Rule{{Code: "BROKEN", Expr: `backend ==`}})
	assert.Error(t, err)

	_, err = NewGate(testConfig(), []Rule{{Expr: `true`}})
	assert.Error(t, err)
}
