package failure

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mescon/rdsentinel/internal/config"
	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/store"
)

func TestClassifyInfringingFile(t *testing.T) {
	if got := Classify("Error: infringing_file detected"); got != ErrorInfringingFile {
		t.Fatalf("expected infringing_file, got %s", got)
	}
}

func TestClassifyTooManyRequestsExact(t *testing.T) {
	if got := Classify("too_many_requests: slow down"); got != ErrorTooManyRequests {
		t.Fatalf("expected too_many_requests, got %s", got)
	}
}

func TestClassifyRateLimitPhrase(t *testing.T) {
	if got := Classify("You have exceeded the rate limit for this account"); got != ErrorTooManyRequests {
		t.Fatalf("expected too_many_requests via rate+limit phrase, got %s", got)
	}
}

func TestClassifyUnknown(t *testing.T) {
	if got := Classify("disk full"); got != "unknown" {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestCleanFilenameForSearchStripsTags(t *testing.T) {
	got := cleanFilenameForSearch("Some.Show.S01E01.1080p.BluRay.x264-GROUP.mkv")
	if got == "" {
		t.Fatal("expected non-empty cleaned filename")
	}
	for _, tag := range []string{"1080p", "bluray", "x264"} {
		if containsWord(got, tag) {
			t.Fatalf("expected tag %q to be stripped from %q", tag, got)
		}
	}
}

func containsWord(s, word string) bool {
	for _, w := range strings.Fields(s) {
		if w == word {
			return true
		}
	}
	return false
}

func TestFilenameMatchesHighWordOverlap(t *testing.T) {
	target := cleanFilenameForSearch("Some.Show.S01E01.mkv")
	if !filenameMatches("Some.Show.S01E01.Extra.Tag.mkv", target) {
		t.Fatal("expected high word-overlap match")
	}
}

func TestFilenameMatchesRejectsUnrelated(t *testing.T) {
	target := cleanFilenameForSearch("Some.Show.S01E01.mkv")
	if filenameMatches("Completely.Different.Movie.2020.mkv", target) {
		t.Fatal("expected unrelated filename to not match")
	}
}

func TestHandleRateLimitPublishesRetryScheduled(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.NewTestConfig()
	h := New(st, cfg, nil, true)
	eb := eventbus.NewEventBus(st.DB)
	h.SetEventBus(eb)

	received := make(chan domain.EventType, 1)
	eb.Subscribe(domain.RetryScheduled, func(e domain.Event) { received <- e.EventType })

	ok, err := h.Handle(context.Background(), "t1", "file.mkv", ErrorTooManyRequests, "too_many_requests: slow down")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected rate-limit handling to succeed")
	}

	select {
	case et := <-received:
		if et != domain.RetryScheduled {
			t.Fatalf("expected retry_scheduled, got %s", et)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retry_scheduled event")
	}
}
