package eventlog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	task := "demo"
	id := int64(1)
	want := []Event{
		{Timestamp: time.Now(), Type: TaskQueued, Task: &task, ItemID: &id},
		{Timestamp: time.Now(), Type: TaskStarted, Task: &task, ItemID: &id},
		{Timestamp: time.Now(), Type: TaskCompleted, Task: &task, ItemID: &id, Details: map[string]any{"outcome": "success"}},
	}
	for _, e := range want {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i].Type {
			t.Errorf("event %d type = %s, want %s", i, got[i].Type, want[i].Type)
		}
		if got[i].Task == nil || *got[i].Task != *want[i].Task {
			t.Errorf("event %d task mismatch", i)
		}
	}
}

func TestTailReturnsLastN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := w.Append(Event{Timestamp: time.Now(), Type: TaskQueued}); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	got, err := Tail(path, 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestReadAllMissingFileReturnsEmpty(t *testing.T) {
	got, err := ReadAll(filepath.Join(t.TempDir(), "missing.log"))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution.log")
	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(Event{Timestamp: time.Now(), Type: TaskQueued}); err != nil {
		t.Fatal(err)
	}
	w.file.WriteString("not json\n")
	if err := w.Append(Event{Timestamp: time.Now(), Type: TaskStarted}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	got, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}
