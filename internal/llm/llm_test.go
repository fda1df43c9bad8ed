package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
)

func TestCollectJoinsChunks(t *testing.T) {
	reply, err := Collect(context.Background(), NewMockGenerator(), Request{Prompt: "  tell me a joke "})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if reply != "You said: tell me a joke" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestOllamaStreamsChat(t *testing.T) {
	var got ollamaChat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"It is "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"sunny."},"done":true,"eval_count":4}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL, "", srv.Client())
	reply, err := Collect(context.Background(), gen, Request{Prompt: "weather?", System: "be brief", MaxTokens: 32})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "It is sunny." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got.Model != defaultOllamaModel || len(got.Messages) != 2 || got.Messages[0].Role != "system" || !got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Options["num_predict"] != float64(32) {
		t.Fatalf("expected num_predict option, got %v", got.Options)
	}
}

func TestOllamaMissingModelIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "tiny", srv.Client()).Generate(context.Background(), Request{Prompt: "hi"}, func(Chunk) error { return nil })
	if failure.KindOf(err) != failure.KindNotFound {
		t.Fatalf("expected not found kind, got %v (%v)", failure.KindOf(err), err)
	}
}

func TestOllamaStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "", srv.Client()).Generate(context.Background(), Request{Prompt: "hi"}, func(Chunk) error { return nil })
	if err == nil || failure.KindOf(err) != failure.KindUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestOpenAICompatibleEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":0,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hello there."}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer srv.Close()

	gen := NewOpenAIGenerator("sk-test", srv.URL, "m", srv.Client())
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "hi"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "Hello there." || !chunks[0].Done || chunks[0].CompletionTokens != 2 {
		t.Fatalf("unexpected chunks %+v", chunks)
	}

	bad := NewOpenAIGenerator("sk-wrong", srv.URL, "m", srv.Client())
	err = bad.Generate(context.Background(), Request{Prompt: "hi"}, func(Chunk) error { return nil })
	if failure.KindOf(err) != failure.KindPermission {
		t.Fatalf("expected permission kind, got %v (%v)", failure.KindOf(err), err)
	}
}

func TestExecGenerator(t *testing.T) {
	script := filepath.Join(t.TempDir(), "reply.sh")
	body := "#!/bin/sh\ncat >/dev/null\necho '{\"content\":\"from script\",\"completion_tokens\":2}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	gen, err := NewExecGenerator("sh " + script)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	reply, err := Collect(context.Background(), gen, Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "from script" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if _, err := NewExecGenerator("   "); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestNewSelectsMode(t *testing.T) {
	if _, err := New(config.LLMConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock mode: %v", err)
	}
	if _, err := New(config.LLMConfig{Mode: "ollama", TimeoutMS: 1000}); err != nil {
		t.Fatalf("ollama mode: %v", err)
	}
	if _, err := New(config.LLMConfig{Mode: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestHTTPClientProxy(t *testing.T) {
	direct, err := NewHTTPClient("", 2*time.Second)
	if err != nil || direct.Timeout != 2*time.Second {
		t.Fatalf("unexpected direct client %v (%v)", direct, err)
	}
	proxied, err := NewHTTPClient("127.0.0.1:1080", time.Second)
	if err != nil {
		t.Fatalf("socks client: %v", err)
	}
	if proxied.Transport == nil {
		t.Fatalf("expected custom transport for socks proxy")
	}
}

func TestConsumerErrorStopsGeneration(t *testing.T) {
	stop := errors.New("enough")
	err := NewMockGenerator().Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected consumer error, got %v", err)
	}
}
