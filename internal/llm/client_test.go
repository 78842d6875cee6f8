package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf2deck/internal/domain"
)

func testPage(t *testing.T, w, h int) domain.PageImage {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{200, 100, 50, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return domain.PageImage{Page: 2, Tier: domain.TierLow, Data: buf.Bytes(), Width: w, Height: h, MIME: "image/jpeg"}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestNewVisionClient(t *testing.T) {
	tests := []struct {
		name      string
		apiKey    string
		model     string
		wantModel string
		wantError bool
	}{
		{name: "default model", apiKey: "sk-test", wantModel: defaultVisionModel},
		{name: "custom model", apiKey: "sk-test", model: "gpt-4.1", wantModel: "gpt-4.1"},
		{name: "empty api key", apiKey: "", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewVisionClient(ClientConfig{APIKey: tt.apiKey, Model: tt.model}, fastRetry(), domain.NewNopLogger())
			if tt.wantError {
				require.Error(t, err)
				assert.Equal(t, domain.ErrorTypeConfig, domain.ErrorTypeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, client.model)
		})
	}
}

func TestVisionClient_BuildRequest(t *testing.T) {
	client, err := NewVisionClient(ClientConfig{APIKey: "sk-test"}, fastRetry(), domain.NewNopLogger())
	require.NoError(t, err)

	req, err := client.buildRequest(testPage(t, 32, 24), ExtractionPrompt)
	require.NoError(t, err)

	require.Len(t, req.Messages, 1)
	parts := req.Messages[0].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, parts[0].Type)
	assert.Equal(t, ExtractionPrompt, parts[0].Text)
	require.NotNil(t, parts[1].ImageURL)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,"))
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
}

func TestVisionClient_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
			return
		}
		io.WriteString(w, chatReply(`{"title":"Hello","content":[],"visual_elements":[]}`))
	}))
	defer srv.Close()

	client, err := NewVisionClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, fastRetry(), domain.NewNopLogger())
	require.NoError(t, err)

	reply, err := client.ExtractPage(context.Background(), testPage(t, 16, 16), ExtractionPrompt)
	require.NoError(t, err)
	assert.Contains(t, reply, "Hello")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestVisionClient_PermanentFailureFallsBackImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"content policy","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	client, err := NewVisionClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, fastRetry(), domain.NewNopLogger())
	require.NoError(t, err)

	_, err = client.ExtractPage(context.Background(), testPage(t, 16, 16), ExtractionPrompt)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, domain.ErrorTypeCapability, domain.ErrorTypeOf(err))
}

func TestInpaintClient_RemoveText(t *testing.T) {
	edited := image.NewRGBA(image.Rect(0, 0, editCanvas, editCanvas))
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, edited))
	b64 := base64.StdEncoding.EncodeToString(pngBuf.Bytes())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/edits", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(10<<20))
		assert.Equal(t, RemovalPrompt, r.FormValue("prompt"))
		assert.Equal(t, "b64_json", r.FormValue("response_format"))
		_, _, err := r.FormFile("image")
		assert.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"created":1,"data":[{"b64_json":"`+b64+`"}]}`)
	}))
	defer srv.Close()

	client, err := NewInpaintClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, fastRetry(), domain.NewNopLogger())
	require.NoError(t, err)

	page := testPage(t, 200, 100)
	page.Tier = domain.TierHigh
	out, err := client.RemoveText(context.Background(), page, RemovalPrompt)
	require.NoError(t, err)
	assert.Equal(t, 200, out.Width)
	assert.Equal(t, 100, out.Height)
	assert.Equal(t, page.Page, out.Page)
	assert.Equal(t, "image/png", out.MIME)
}

func TestInpaintClient_UndecodableInput(t *testing.T) {
	client, err := NewInpaintClient(ClientConfig{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1/v1"}, fastRetry(), domain.NewNopLogger())
	require.NoError(t, err)

	_, err = client.RemoveText(context.Background(), domain.PageImage{Data: []byte("nope")}, RemovalPrompt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnusableImage))
}

func TestLetterbox(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 200))
	canvas, inner := letterbox(src, editCanvas)
	assert.Equal(t, editCanvas, canvas.Bounds().Dx())
	assert.Equal(t, image.Rect(0, 256, 1024, 768), inner)

	restored := unletterbox(canvas, inner, 400, 200)
	assert.Equal(t, 400, restored.Bounds().Dx())
	assert.Equal(t, 200, restored.Bounds().Dy())
}
