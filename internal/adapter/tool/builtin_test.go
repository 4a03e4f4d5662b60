package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCurrentTimeTool(t *testing.T) {
	fixed := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	tool := NewCurrentTimeTool(func() time.Time { return fixed }, newTestLogger())

	result, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "current_time: 2024-03-09 14:05:06 UTC" {
		t.Errorf("content = %q", result.Content)
	}
}

func TestPasswordTool(t *testing.T) {
	tool := NewPasswordTool(newTestLogger())

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"length":24}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Content) != 24 {
		t.Errorf("len = %d, want 24", len(result.Content))
	}
	for _, r := range result.Content {
		if !strings.ContainsRune(passwordCharset, r) {
			t.Fatalf("unexpected character %q", r)
		}
	}
}

func TestPasswordToolDefaultLength(t *testing.T) {
	tool := NewPasswordTool(newTestLogger())

	result, _ := tool.Execute(context.Background(), json.RawMessage(`{"length":0}`))
	if n := len(result.Content); n < minPasswordLength || n > defaultMaxPasswordLength {
		t.Errorf("len = %d, want %d-%d", n, minPasswordLength, defaultMaxPasswordLength)
	}
}

func TestPasswordToolRejectsLength(t *testing.T) {
	tool := NewPasswordTool(newTestLogger())

	result, _ := tool.Execute(context.Background(), json.RawMessage(`{"length":-1}`))
	if !result.IsError {
		t.Errorf("negative length accepted: %+v", result)
	}
}

func TestBuiltinsValidate(t *testing.T) {
	reg := NewRegistry(newTestLogger(), WithValidation())
	if err := reg.RegisterAll(Builtins(newTestLogger())...); err != nil {
		t.Fatal(err)
	}
	for _, tool := range reg.List() {
		if _, ok := tool.(*SchemaValidatingTool); !ok {
			t.Errorf("%s: schema did not compile", tool.Name())
		}
	}
}
