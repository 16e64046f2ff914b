package kprint

import (
	"bytes"
	"testing"
)

func TestPrintfWritesToInstalledSink(t *testing.T) {
	defer SetSink(nil)

	var buf bytes.Buffer
	SetSink(&buf)
	Printf("frames free: %d/%d", 7, 10)

	if got, want := buf.String(), "frames free: 7/10"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrintlnAppendsNewline(t *testing.T) {
	defer SetSink(nil)

	var buf bytes.Buffer
	SetSink(&buf)
	Println("core 0 idle")

	if got, want := buf.String(), "core 0 idle\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriteWithNoSinkDoesNotPanic(t *testing.T) {
	SetSink(nil)
	Printf("dropped before boot installs a console")
}
