package forwarder

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath_CollapsesDoubledPrefix(t *testing.T) {
	assert.Equal(t, "/v1/messages", NormalizePath("/v1/v1/messages"))
	assert.Equal(t, "/v1", NormalizePath("/v1/v1"))
	assert.Equal(t, "/v1/messages", NormalizePath("/v1/messages"))
}

func TestNormalizePath_IsIdempotent(t *testing.T) {
	once := NormalizePath("/v1/v1/messages")
	twice := NormalizePath(once)
	assert.Equal(t, once, twice)
}

func TestIsSSE_DetectsEventStreamContentType(t *testing.T) {
	h := http.Header{"Content-Type": []string{"text/event-stream; charset=utf-8"}}
	assert.True(t, isSSE(h))

	jsonHeader := http.Header{"Content-Type": []string{"application/json"}}
	assert.False(t, isSSE(jsonHeader))
}

func TestDecodeBody_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte(`{"ok":true}`))
	gw.Close()

	out, decodeErr := decodeBody(buf.Bytes(), "gzip")
	assert.Empty(t, decodeErr)
	assert.Equal(t, `{"ok":true}`, string(out))
}

func TestDecodeBody_Brotli(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	bw.Write([]byte(`{"ok":true}`))
	bw.Close()

	out, decodeErr := decodeBody(buf.Bytes(), "br")
	assert.Empty(t, decodeErr)
	assert.Equal(t, `{"ok":true}`, string(out))
}

func TestDecodeBody_UnknownEncodingPassesThrough(t *testing.T) {
	out, decodeErr := decodeBody([]byte(`{"ok":true}`), "")
	assert.Empty(t, decodeErr)
	assert.Equal(t, `{"ok":true}`, string(out))
}

func TestDecodeBody_InvalidGzipReturnsError(t *testing.T) {
	_, decodeErr := decodeBody([]byte("not gzip"), "gzip")
	assert.NotEmpty(t, decodeErr)
}

func TestNormalizeErrorBody_LeavesCleanBodyUnchanged(t *testing.T) {
	body := []byte(`{"error":{"code":"bad_request","message":"missing field foo"}}`)
	assert.Equal(t, body, NormalizeErrorBody(body))
}

func TestNormalizeErrorBody_RewritesGzipMagicLeak(t *testing.T) {
	msg := string([]byte{0x1f, 0x8b, 0x08, 0x00}) + "garbage"
	body := []byte(`{"error":{"code":"server_error","message":` + jsonString(msg) + `}}`)
	out := NormalizeErrorBody(body)
	assert.NotEqual(t, body, out)
	assert.Contains(t, string(out), "unreadable compressed error details")
}

func TestNormalizeErrorBody_UsesQuotaMessageForInsufficientQuota(t *testing.T) {
	msg := string([]byte{0x1f, 0x8b, 0x08, 0x00}) + "garbage"
	body := []byte(`{"error":{"code":"insufficient_quota","message":` + jsonString(msg) + `}}`)
	out := NormalizeErrorBody(body)
	assert.Contains(t, string(out), "quota exhausted")
}

func TestIsPathological_ControlCharacterThreshold(t *testing.T) {
	assert.False(t, isPathological("clean message\nwith newline\tand tab"))
	assert.True(t, isPathological("\x01\x02\x03broken"))
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
