// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/jeranaias/convobuddy/internal/llm"
	"github.com/jeranaias/convobuddy/internal/model"
)

func collect(t *testing.T, input string) ([]string, error) {
	t.Helper()
	var deltas []string
	err := NewDialect(nil).DecodeStream(context.Background(), strings.NewReader(input), func(d string) {
		deltas = append(deltas, d)
	})
	return deltas, err
}

// =============================================================================
// REQUEST TESTS
// =============================================================================

func TestBuildChatRequest(t *testing.T) {
	req := llm.ChatRequest{
		Model: "llava",
		Messages: []model.Message{
			model.NewSystemMessage("be brief"),
			model.NewUserMessage("what is this?", "aGVsbG8="),
		},
		Options: llm.Options{Temperature: llm.Temp(0), ContextLength: 4096},
	}

	body, err := NewDialect(nil).BuildChatRequest(req)
	if err != nil {
		t.Fatalf("BuildChatRequest() error = %v", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["stream"] != true {
		t.Errorf("stream = %v, want true", got["stream"])
	}
	opts := got["options"].(map[string]any)
	if opts["temperature"] != float64(0) {
		t.Errorf("temperature = %v, want explicit 0", opts["temperature"])
	}
	if opts["num_ctx"] != float64(4096) {
		t.Errorf("num_ctx = %v, want 4096", opts["num_ctx"])
	}
	msgs := got["messages"].([]any)
	user := msgs[1].(map[string]any)
	if user["role"] != "user" {
		t.Errorf("role = %v", user["role"])
	}
	images := user["images"].([]any)
	if len(images) != 1 || images[0] != "aGVsbG8=" {
		t.Errorf("images = %v, want verbatim payload", images)
	}
	if _, ok := msgs[0].(map[string]any)["images"]; ok {
		t.Error("system message should omit images")
	}
}

func TestBuildChatRequest_RequiresModel(t *testing.T) {
	if _, err := NewDialect(nil).BuildChatRequest(llm.ChatRequest{}); err == nil {
		t.Error("expected error for empty model")
	}
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestDecodeStream_SingleLine(t *testing.T) {
	deltas, err := collect(t, `{"message":{"content":"Hi"}}`+"\n")
	if err != nil {
		t.Fatalf("DecodeStream() error = %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "Hi" {
		t.Errorf("deltas = %q, want [\"Hi\"]", deltas)
	}
}

func TestDecodeStream_SkipsMalformedAndBlank(t *testing.T) {
	input := strings.Join([]string{
		`{"message":{"role":"assistant","content":"Hel"}}`,
		``,
		`{"message":{"content":`,
		`   `,
		`{"message":{"content":"lo"}}`,
		`{"message":{"content":""}}`,
	}, "\n")

	deltas, err := collect(t, input)
	if err != nil {
		t.Fatalf("DecodeStream() error = %v", err)
	}
	if strings.Join(deltas, "|") != "Hel|lo" {
		t.Errorf("deltas = %q, want [Hel lo]", deltas)
	}
}

func TestDecodeStream_LineSplitAcrossReads(t *testing.T) {
	input := `{"message":{"role":"assistant","content":"Hi"}}` + "\n" +
		`{"message":{"role":"assistant","content":" there"}}` + "\n"

	readers := map[string]io.Reader{
		"one byte per read": iotest.OneByteReader(strings.NewReader(input)),
		"split mid-object": io.MultiReader(
			strings.NewReader(input[:20]),
			strings.NewReader(input[20:60]),
			strings.NewReader(input[60:]),
		),
	}
	for name, r := range readers {
		t.Run(name, func(t *testing.T) {
			var deltas []string
			err := NewDialect(nil).DecodeStream(context.Background(), r, func(d string) {
				deltas = append(deltas, d)
			})
			if err != nil {
				t.Fatalf("DecodeStream() error = %v", err)
			}
			if strings.Join(deltas, "|") != "Hi| there" {
				t.Errorf("deltas = %q, want [Hi  there]", deltas)
			}
		})
	}
}

func TestDecodeStream_StopsOnDone(t *testing.T) {
	input := `{"message":{"content":"a"}}` + "\n" +
		`{"message":{"content":"b"},"done":true,"eval_count":2,"eval_duration":1000000000}` + "\n" +
		`{"message":{"content":"c"}}` + "\n"

	r := NewStreamReader(strings.NewReader(input))
	var deltas []string
	if err := r.Process(context.Background(), func(d string) { deltas = append(deltas, d) }); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if r.GetAccumulated() != "ab" {
		t.Errorf("accumulated = %q, want %q", r.GetAccumulated(), "ab")
	}
	if got := r.Stats().TokensPerSecond(); got != 2 {
		t.Errorf("TokensPerSecond() = %v, want 2", got)
	}
}

func TestDecodeStream_LastLineWithoutNewline(t *testing.T) {
	deltas, err := collect(t, `{"message":{"content":"x"}}`+"\n"+`{"message":{"content":"y"}}`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(deltas, "") != "xy" {
		t.Errorf("deltas = %q", deltas)
	}
}

func TestDecodeStream_ServerErrorLine(t *testing.T) {
	_, err := collect(t, `{"message":{"content":"a"}}`+"\n"+`{"error":"model runner crashed"}`+"\n")
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *llm.APIError", err)
	}
	if apiErr.Message != "model runner crashed" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestDecodeStream_Cancelled(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan string, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- NewDialect(nil).DecodeStream(ctx, pr, func(d string) { got <- d })
	}()

	_, _ = pw.Write([]byte(`{"message":{"content":"Hi"}}` + "\n"))
	if d := <-got; d != "Hi" {
		t.Fatalf("first delta = %q", d)
	}
	cancel()
	// Unblock the pending read the way a cancelled HTTP body would.
	pw.CloseWithError(context.Canceled)

	if err := <-errc; !errors.Is(err, llm.ErrAborted) {
		t.Errorf("err = %v, want llm.ErrAborted", err)
	}
}

// =============================================================================
// MODEL LISTING TESTS
// =============================================================================

func TestDecodeModels(t *testing.T) {
	body := `{"models":[
		{"name":"llama3:8b","size":4661224676,"details":{"family":"llama","parameter_size":"8.0B"}},
		{"name":"","model":"llava:7b","size":1}
	]}`
	models, err := NewDialect(nil).DecodeModels(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeModels() error = %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("len = %d, want 2", len(models))
	}
	if models[0].ID != "llama3:8b" || models[0].Family != "llama" || models[0].ParameterSize != "8.0B" {
		t.Errorf("models[0] = %+v", models[0])
	}
	if models[1].ID != "llava:7b" || !models[1].Vision() {
		t.Errorf("models[1] = %+v", models[1])
	}
}

func TestDecodeModels_Invalid(t *testing.T) {
	if _, err := NewDialect(nil).DecodeModels(strings.NewReader("<html>")); err == nil {
		t.Error("expected decode error")
	}
}
