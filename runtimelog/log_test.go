package runtimelog

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfoCFWritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	InfoCF("dispatcher", "command dispatched", Fields{"command_kind": "widget.create"})

	out := buf.String()
	if !strings.Contains(out, "[INFO]") || !strings.Contains(out, "[dispatcher]") {
		t.Fatalf("output = %q, want INFO level and dispatcher component", out)
	}
	if !strings.Contains(out, "command dispatched") {
		t.Fatalf("output = %q, want the message text", out)
	}
	if !strings.Contains(out, "command_kind=widget.create") {
		t.Fatalf("output = %q, want formatted field", out)
	}
}

func TestErrorCFAndWarnCFUseTheirOwnLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	ErrorCF("instance", "append failed", nil)
	WarnCF("instance", "retrying after conflict", nil)

	out := buf.String()
	if !strings.Contains(out, "[ERROR]") {
		t.Fatalf("output = %q, want ERROR level line", out)
	}
	if !strings.Contains(out, "[WARN]") {
		t.Fatalf("output = %q, want WARN level line", out)
	}
}

func TestDisableSilencesOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Disable()
	t.Cleanup(func() { enabled = true })

	InfoCF("dispatcher", "should not appear", nil)

	if buf.Len() != 0 {
		t.Fatalf("expected no output once disabled, got %q", buf.String())
	}
}

func TestFormatFieldsEmptyProducesNoSuffix(t *testing.T) {
	if got := formatFields(nil); got != "" {
		t.Fatalf("formatFields(nil) = %q, want empty string", got)
	}
}
