package accesslog

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeHeaders_MasksAuthorizationFamily(t *testing.T) {
	h := http.Header{
		"Authorization": []string{"Bearer sk-ant-1234567890abcdef"},
		"X-Api-Key":     []string{"short"},
		"X-Custom":      []string{"visible-value"},
	}
	out := SanitizeHeaders(h)
	assert.NotEqual(t, "Bearer sk-ant-1234567890abcdef", out["Authorization"])
	assert.Contains(t, out["Authorization"], "...")
	assert.Equal(t, "***", out["X-Api-Key"])
	assert.Equal(t, "visible-value", out["X-Custom"])
}

func TestMaskSecret_ShortValueFullyMasked(t *testing.T) {
	assert.Equal(t, "***", maskSecret("1234567890"))
}

func TestMaskSecret_LongValuePreservesPrefixAndSuffix(t *testing.T) {
	masked := maskSecret("sk-ant-abcdefghijklmnop")
	assert.True(t, len(masked) < len("sk-ant-abcdefghijklmnop"))
	assert.Contains(t, masked, "...")
}

func TestSummarizeBody_TruncatesAtDefaultLimit(t *testing.T) {
	l := New(t.TempDir(), 7, false)
	body := make([]byte, defaultPreviewLimit+50)
	for i := range body {
		body[i] = 'a'
	}
	out := l.SummarizeBody(body)
	assert.True(t, len(out) < len(body))
	assert.Contains(t, out, "...")
}

func TestSummarizeBody_VerboseUsesLargerLimit(t *testing.T) {
	l := New(t.TempDir(), 7, true)
	body := make([]byte, defaultPreviewLimit+50)
	for i := range body {
		body[i] = 'a'
	}
	out := l.SummarizeBody(body)
	assert.Equal(t, string(body), out)
}

func TestExtractUsage_NonSSEJSON(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":10,"output_tokens":20}}`)
	u := ExtractUsage(body, false)
	require.NotNil(t, u)
	assert.Equal(t, 10, u.InputTokens)
	assert.Equal(t, 20, u.OutputTokens)
}

func TestExtractUsage_SSEScansDataLines(t *testing.T) {
	body := []byte("event: ping\ndata: {\"type\":\"ping\"}\n\n" +
		"data: {\"message\":{\"usage\":{\"input_tokens\":5,\"output_tokens\":7}}}\n\n")
	u := ExtractUsage(body, true)
	require.NotNil(t, u)
	assert.Equal(t, 5, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
}

func TestExtractUsage_NoUsageReturnsNil(t *testing.T) {
	assert.Nil(t, ExtractUsage([]byte(`{"foo":"bar"}`), false))
}

func TestLogger_Log_WritesJSONLFile(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, 7, false)
	rec := Record{RequestID: "req-1", Request: RequestSummary{Method: "POST", URL: "/v1/messages"}}
	rec.Time = rec.Time.UTC()

	require.NoError(t, l.Log(rec))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, filepath.Ext(entries[0].Name()) == ".jsonl")
}

func TestLogger_Recent_ReturnsOldestFirst(t *testing.T) {
	l := New(t.TempDir(), 7, false)
	require.NoError(t, l.Log(Record{RequestID: "req-1"}))
	require.NoError(t, l.Log(Record{RequestID: "req-2"}))
	require.NoError(t, l.Log(Record{RequestID: "req-3"}))

	recent := l.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "req-1", recent[0].RequestID)
	assert.Equal(t, "req-3", recent[2].RequestID)
}
