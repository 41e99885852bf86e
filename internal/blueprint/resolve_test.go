package blueprint

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveSubstitutesParamsAndRuntime(t *testing.T) {
	ctx := ResolveContext{
		Params:  map[string]interface{}{"prompt": "review this"},
		Runtime: RuntimeIDs{SessionID: "ses_1", RunID: "run_1"},
	}
	value := map[string]interface{}{
		"system_prompt": "${params.prompt}",
		"session":       "session is ${runtime.session_id}, run ${runtime.run_id}",
	}

	resolved := Resolve(value, ctx).(map[string]interface{})
	assert.Equal(t, "review this", resolved["system_prompt"])
	assert.Equal(t, "session is ses_1, run run_1", resolved["session"])
}

func TestResolveLeavesRunnerNamespaceIntact(t *testing.T) {
	resolved := Resolve("${runner.executor_identity}", ResolveContext{})
	assert.Equal(t, "${runner.executor_identity}", resolved)
}

func TestResolveLeavesUnknownPlaceholderIntact(t *testing.T) {
	resolved := Resolve("${params.missing}", ResolveContext{Params: map[string]interface{}{}})
	assert.Equal(t, "${params.missing}", resolved)
}

func TestResolveSingplePlaceholderPreservesNativeType(t *testing.T) {
	ctx := ResolveContext{Params: map[string]interface{}{"count": float64(3)}}
	resolved := Resolve("${params.count}", ctx)
	assert.Equal(t, float64(3), resolved)
}

func TestResolveEmbeddedPlaceholderStringifiesNonString(t *testing.T) {
	ctx := ResolveContext{Params: map[string]interface{}{"count": float64(3)}}
	resolved := Resolve("there are ${params.count} items", ctx)
	assert.Equal(t, "there are 3 items", resolved)
}

func TestResolveEnvNamespace(t *testing.T) {
	os.Setenv("COORDINATOR_TEST_PLACEHOLDER", "value-from-env")
	defer os.Unsetenv("COORDINATOR_TEST_PLACEHOLDER")

	resolved := Resolve("${env.COORDINATOR_TEST_PLACEHOLDER}", ResolveContext{})
	assert.Equal(t, "value-from-env", resolved)
}

func TestResolveWalksNestedStructures(t *testing.T) {
	ctx := ResolveContext{Scope: map[string]interface{}{"repo": "agentmesh/coordinator"}}
	value := map[string]interface{}{
		"hooks": []interface{}{
			map[string]interface{}{"name": "${scope.repo}"},
		},
	}
	resolved := Resolve(value, ctx).(map[string]interface{})
	hooks := resolved["hooks"].([]interface{})
	hook := hooks[0].(map[string]interface{})
	assert.Equal(t, "agentmesh/coordinator", hook["name"])
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	original := map[string]interface{}{"prompt": "${params.prompt}"}
	ctx := ResolveContext{Params: map[string]interface{}{"prompt": "hello"}}

	_ = Resolve(original, ctx)
	assert.Equal(t, "${params.prompt}", original["prompt"], "Resolve must not mutate its input")
}
