package request

import (
	"errors"
	"reflect"
	"testing"

	"textpilot/internal/contexts"
	"textpilot/internal/llm"
	"textpilot/internal/prompts"
	"textpilot/internal/selection"
)

func preamble() llm.Message {
	return llm.SystemMessage(prompts.Preamble())
}

func instruction(t *testing.T, op prompts.Operation) llm.Message {
	t.Helper()
	text, err := prompts.Instruction(op)
	if err != nil {
		t.Fatalf("instruction: %v", err)
	}
	return llm.SystemMessage(text)
}

func TestBuild_EndsWithInstructionAndUser(t *testing.T) {
	history := &contexts.Context{ID: "1", Name: "work", Messages: []llm.Message{
		llm.SystemMessage("earlier preamble"),
		llm.UserMessage("earlier"),
		llm.AssistantMessage("reply"),
	}}

	for _, op := range prompts.Available() {
		for _, active := range []*contexts.Context{nil, {ID: "2"}, history} {
			got, err := Build(op, "text", active)
			if err != nil {
				t.Fatalf("Build(%s): %v", op, err)
			}
			tail := got[len(got)-2:]
			want := []llm.Message{instruction(t, op), llm.UserMessage("text")}
			if !reflect.DeepEqual(tail, want) {
				t.Fatalf("Build(%s) tail = %+v, want %+v", op, tail, want)
			}
			if got[0].Role != llm.RoleSystem {
				t.Fatalf("first message must be system, got %+v", got[0])
			}
		}
	}
}

func TestBuild_PreambleWhenNoHistory(t *testing.T) {
	for _, active := range []*contexts.Context{nil, {ID: "1", Name: "empty", Messages: []llm.Message{}}} {
		got, err := Build(prompts.OperationRephrase, "x", active)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if len(got) != 3 || got[0] != preamble() {
			t.Fatalf("expected exactly one preamble before the suffix, got %+v", got)
		}
	}
}

func TestBuild_UsesHistoryAsPrefix(t *testing.T) {
	history := []llm.Message{llm.SystemMessage("p"), llm.UserMessage("u"), llm.AssistantMessage("a")}
	active := &contexts.Context{ID: "1", Messages: history}

	got, err := Build(prompts.OperationComment, "x", active)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !reflect.DeepEqual(got[:3], history) {
		t.Fatalf("expected history prefix, got %+v", got[:3])
	}

	got[0].Content = "changed"
	if active.Messages[0].Content != "p" {
		t.Fatalf("Build result aliases context messages")
	}
}

func TestBuild_UnknownOperation(t *testing.T) {
	_, err := Build("translate", "x", nil)
	if !errors.Is(err, prompts.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestUserText_FormatsSelection(t *testing.T) {
	sel := selection.Selection{Text: "Great post", Title: "Example"}
	if got := UserText(prompts.OperationComment, sel); got != "Website: Example\nContent: Great post" {
		t.Fatalf("unexpected comment text: %q", got)
	}
	if got := UserText(prompts.OperationRephrase, sel); got != "Great post" {
		t.Fatalf("unexpected rephrase text: %q", got)
	}
}

func TestBuild_CommentWithoutContext(t *testing.T) {
	userText := UserText(prompts.OperationComment, selection.Selection{Text: "Great post", Title: "Example"})
	got, err := Build(prompts.OperationComment, userText, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []llm.Message{
		preamble(),
		instruction(t, prompts.OperationComment),
		llm.UserMessage("Website: Example\nContent: Great post"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTranscript_AppendsAssistantReply(t *testing.T) {
	req := []llm.Message{preamble(), llm.UserMessage("u")}
	got := Transcript(req, "reply")
	if len(got) != 3 || got[2] != llm.AssistantMessage("reply") {
		t.Fatalf("unexpected transcript: %+v", got)
	}
	if len(req) != 2 {
		t.Fatalf("request slice modified")
	}
}
