// Package forwarder implements the Forwarder (C7): a streaming HTTP reverse
// proxy that decodes upstream content-encoding for classification, passes
// SSE through live, and buffers JSON responses for rewrite/normalization.
// Grounded on the teacher's internal/relay/relay.go streamResponse/
// jsonResponse methods and on decodeResponseBody/maybeNormalizeJsonErrorBody
// in original_source/codegen/lb_codegen.py.
package forwarder

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/routingcore/llmrouter/internal/transport"
)

var duplicatePrefix = regexp.MustCompile(`^/v1(?:/v1)+(/|$)`)

// NormalizePath collapses a repeated /v1 prefix (/v1/v1, /v1/v1/v1, ...) some
// clients send into a single /v1
// (spec.md §4.6). Idempotent: NormalizePath(NormalizePath(p)) == NormalizePath(p).
func NormalizePath(path string) string {
	return duplicatePrefix.ReplaceAllString(path, "/v1$1")
}

// Forwarder sends the rewritten request to a target and classifies the
// response, either streaming it live (SSE) or buffering it (JSON).
type Forwarder struct {
	transportMgr *transport.Manager
}

func New(tm *transport.Manager) *Forwarder {
	return &Forwarder{transportMgr: tm}
}

// Result captures what the forwarder observed, for the classifier and access
// logger.
type Result struct {
	StatusCode      int
	Header          http.Header
	DecodedBody     []byte
	ContentEncoding string
	DecodeError     string
	WasSSE          bool
	HeadersSent     bool // true once any bytes reached the client (aborts retry eligibility)
	Err             error
}

// Send issues outReq against backendURL and, for non-streaming responses,
// fully buffers and decodes the body without writing anything to the
// client — the caller (engine) decides what to do with the decoded body
// (classify, maybe retry, maybe rewrite, then write). For SSE responses,
// Send writes headers and pipes bytes to the client immediately, since the
// client must see them in order as they arrive; it still returns the
// concatenated body for post-hoc classification and usage extraction.
func (f *Forwarder) Send(ctx context.Context, w http.ResponseWriter, outReq *http.Request, backendURL string) Result {
	client := f.transportMgr.Get(backendURL)
	resp, err := client.Do(outReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()

	if isSSE(resp.Header) {
		return f.streamSSE(ctx, w, resp)
	}
	return f.bufferJSON(resp)
}

func isSSE(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// streamSSE writes headers immediately and pipes bytes through in order,
// buffering a copy in parallel for post-hoc classification (spec.md §4.6).
func (f *Forwarder) streamSSE(ctx context.Context, w http.ResponseWriter, resp *http.Response) Result {
	flusher, _ := w.(http.Flusher)

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var buf bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)

	headersSent := true
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		buf.Write(line)
		buf.WriteByte('\n')
		w.Write(line)
		w.Write([]byte("\n"))
		if len(line) == 0 && flusher != nil {
			flusher.Flush()
		}
	}
	if flusher != nil {
		flusher.Flush()
	}

	return Result{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		DecodedBody: buf.Bytes(),
		WasSSE:      true,
		HeadersSent: headersSent,
	}
}

// bufferJSON accumulates the full body and decodes it per content-encoding,
// falling back to the raw bytes on decode failure (spec.md §4.6).
func (f *Forwarder) bufferJSON(resp *http.Response) Result {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Header: resp.Header, Err: err}
	}

	encoding := resp.Header.Get("Content-Encoding")
	decoded, decodeErr := decodeBody(raw, encoding)
	if decodeErr != "" {
		decoded = raw
	}

	return Result{
		StatusCode:      resp.StatusCode,
		Header:          resp.Header,
		DecodedBody:     decoded,
		ContentEncoding: encoding,
		DecodeError:     decodeErr,
	}
}

func decodeBody(raw []byte, encoding string) ([]byte, string) {
	switch strings.ToLower(encoding) {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, "gzip: " + err.Error()
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, "gzip: " + err.Error()
		}
		return out, ""
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, "br: " + err.Error()
		}
		return out, ""
	case "deflate":
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, "deflate: " + err.Error()
		}
		return out, ""
	default:
		return raw, ""
	}
}

// gzipMagic is the two-byte gzip header; a body claiming to be JSON that
// actually starts with it means upstream forgot to decode before forwarding.
var gzipMagic = []byte{0x1f, 0x8b}

// NormalizeErrorBody implements spec.md §4.6 "Error-body normalization": a
// narrow, conservative rewrite of JSON error messages that are themselves
// pathological (gzip magic bytes, control characters, or Unicode replacement
// runes leaking through). Returns the body unchanged if none of the
// heuristics fire.
func NormalizeErrorBody(body []byte) []byte {
	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) != nil || parsed.Error.Message == "" {
		return body
	}
	if !isPathological(parsed.Error.Message) {
		return body
	}

	replacement := "upstream returned unreadable compressed error details"
	if parsed.Error.Code == "insufficient_quota" {
		replacement = "upstream quota exhausted; please switch account/key or wait for quota reset"
	}

	out := map[string]any{
		"error": map[string]any{
			"code":    parsed.Error.Code,
			"message": replacement,
		},
	}
	rewritten, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return rewritten
}

func isPathological(message string) bool {
	if bytes.Contains([]byte(message), gzipMagic) {
		return true
	}
	controlCount := 0
	replacementCount := 0
	for _, r := range message {
		if r < 0x20 && r != '\n' && r != '\t' {
			controlCount++
		}
		if r == utf8.RuneError {
			replacementCount++
		}
	}
	return controlCount >= 3 || replacementCount >= 3
}
