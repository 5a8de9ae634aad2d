package notify

import "testing"

func TestQuoteEscapesQuotesAndBackslashes(t *testing.T) {
	got := quote(`say "hi" \ bye`)
	want := `"say \"hi\" \\ bye"`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNoopNotifierNeverErrors(t *testing.T) {
	var n Notifier = noopNotifier{}
	if err := n.Notify("title", "body"); err != nil {
		t.Fatalf("expected noop notifier to never error, got %v", err)
	}
}
