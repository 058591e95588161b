package genai

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCLI writes an executable shell script that ignores its arguments and
// prints the given output, standing in for the generation CLI.
func stubCLI(t *testing.T, output string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genstub")
	script := "#!/bin/sh\ncat <<'STUBEOF'\n" + output + "\nSTUBEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestExtractFencedBlockLanguageMatch(t *testing.T) {
	source := "Here is the fix:\n```json\n{\"a\": 1}\n```\nand the code:\n```python\nprint('hi')\n```\n"
	assert.Equal(t, "print('hi')\n", ExtractFencedBlock(source, "python", "py"))
	assert.Equal(t, "{\"a\": 1}\n", ExtractFencedBlock(source, "json"))
}

func TestExtractFencedBlockFallsBackToFirstBlock(t *testing.T) {
	source := "```\nprint('untagged')\n```\n"
	assert.Equal(t, "print('untagged')\n", ExtractFencedBlock(source, "python"))
}

func TestExtractFencedBlockBareCode(t *testing.T) {
	assert.Equal(t, "print('bare')", ExtractFencedBlock("  print('bare')\n", "python"))
}

func TestInvokeResultField(t *testing.T) {
	inv := &Invoker{BinaryPath: stubCLI(t, `{"result": "payload text", "is_error": false}`)}

	payload, err := inv.Invoke(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "payload text", payload)
}

func TestInvokePrefersStructuredOutput(t *testing.T) {
	inv := &Invoker{BinaryPath: stubCLI(t,
		`{"result": "prose", "structured_output": [{"description": "t"}]}`)}

	payload, err := inv.Invoke(context.Background(), "prompt")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"description": "t"}]`, payload)
}

func TestInvokeErrorEnvelope(t *testing.T) {
	inv := &Invoker{BinaryPath: stubCLI(t, `{"result": "quota exceeded", "is_error": true}`)}

	_, err := inv.Invoke(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestInvokeNonEnvelopeOutput(t *testing.T) {
	inv := &Invoker{BinaryPath: stubCLI(t, "plain text answer")}

	payload, err := inv.Invoke(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Contains(t, payload, "plain text answer")
}

func TestInvokeMissingBinary(t *testing.T) {
	inv := &Invoker{BinaryPath: "no-such-generation-cli"}

	_, err := inv.Invoke(context.Background(), "prompt")
	assert.Error(t, err)
}

func TestInvokeEmptyPrompt(t *testing.T) {
	inv := NewInvoker()

	_, err := inv.Invoke(context.Background(), "")
	assert.Error(t, err)
}

func TestGeneratePlanParsesArray(t *testing.T) {
	out := `{"result": "[{\"description\": \"fetch data\", \"dependencies\": [], \"required_libraries\": [\"requests\"]}, {\"description\": \"summarize\", \"dependencies\": [0], \"required_libraries\": []}]"}`
	g := NewGenerator(&Invoker{BinaryPath: stubCLI(t, out)})

	tasks, err := g.GeneratePlan(context.Background(), "fetch and summarize", "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "fetch data", tasks[0].Description)
	assert.Equal(t, []int{0}, tasks[1].Dependencies)
	assert.Equal(t, []string{"requests"}, tasks[0].RequiredLibraries)
}

func TestGeneratePlanParsesWrappedObject(t *testing.T) {
	raw := `{"tasks": [{"description": "only task", "dependencies": []}]}`
	tasks, err := parsePlanPayload(raw)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "only task", tasks[0].Description)
}

func TestGeneratePlanParsesFencedJSON(t *testing.T) {
	raw := "Sure, here is the plan:\n```json\n[{\"description\": \"fenced task\"}]\n```\n"
	tasks, err := parsePlanPayload(raw)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "fenced task", tasks[0].Description)
}

func TestGeneratePlanEmptyList(t *testing.T) {
	g := NewGenerator(&Invoker{BinaryPath: stubCLI(t, `{"result": "[]"}`)})

	_, err := g.GeneratePlan(context.Background(), "goal", "")
	require.Error(t, err)
	var genErr *GenerationError
	assert.ErrorAs(t, err, &genErr)
}

func TestGenerateCodeExtractsPython(t *testing.T) {
	out := `{"result": "Here you go:\n` + "```python\\nprint('done')\\n```" + `"}`
	g := NewGenerator(&Invoker{BinaryPath: stubCLI(t, out)})

	code, err := g.GenerateCode(context.Background(), "print done", nil)
	require.NoError(t, err)
	assert.Equal(t, "print('done')\n", code)
}

func TestAnalyzeErrorEmptyResponse(t *testing.T) {
	g := NewGenerator(&Invoker{BinaryPath: stubCLI(t, `{"result": ""}`)})

	_, err := g.AnalyzeError(context.Background(), "NameError", "print(x)")
	require.Error(t, err)
	var genErr *GenerationError
	assert.ErrorAs(t, err, &genErr)
}

func TestPromptBuilders(t *testing.T) {
	plan := buildPlanPrompt("scrape a site", "import requests")
	assert.Contains(t, plan, "scrape a site")
	assert.Contains(t, plan, "import requests")
	assert.Contains(t, plan, "0-based")

	code := buildCodePrompt("load a csv", []string{"def load(p): ..."})
	assert.Contains(t, code, "load a csv")
	assert.Contains(t, code, "def load(p): ...")

	repair := buildRepairPrompt("SyntaxError", "print(")
	assert.Contains(t, repair, "SyntaxError")
	assert.Contains(t, repair, "print(")
}
