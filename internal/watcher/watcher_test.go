package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []Payload
	task  []string
}

func (r *recordingEnqueuer) Enqueue(taskName string, payload Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task = append(r.task, taskName)
	r.calls = append(r.calls, payload)
	return nil
}

func (r *recordingEnqueuer) snapshot() ([]string, []Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.task...), append([]Payload{}, r.calls...)
}

func TestDebounceCoalescesBurstIntoOneEnqueue(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingEnqueuer{}

	m := New([]Trigger{
		{TaskName: "on-drop", Path: dir, Glob: "*.json", Debounce: 80 * time.Millisecond},
	}, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// give runOnce a moment to add the watch before writing
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(dir, "a.json")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(250 * time.Millisecond)
	cancel()
	<-done

	tasks, payloads := rec.snapshot()
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one coalesced enqueue, got %d: %v", len(tasks), payloads)
	}
	if tasks[0] != "on-drop" {
		t.Fatalf("expected task on-drop, got %s", tasks[0])
	}
}

func TestGlobFilterExcludesNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingEnqueuer{}

	m := New([]Trigger{
		{TaskName: "on-json", Path: dir, Glob: "*.json", Debounce: 50 * time.Millisecond},
	}, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	tasks, _ := rec.snapshot()
	if len(tasks) != 0 {
		t.Fatalf("expected non-matching file to be ignored, got %v", tasks)
	}
}

func TestMissingDirectoryDisarmsTriggerWithoutAbort(t *testing.T) {
	rec := &recordingEnqueuer{}
	m := New([]Trigger{
		{TaskName: "missing", Path: "/does/not/exist/clodputer-test", Debounce: 50 * time.Millisecond},
	}, rec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("expected Run to tolerate a missing trigger directory, got %v", err)
	}
}

