package channel

import (
	"context"
	"testing"
	"time"

	"optionlevels/internal/models"
)

func TestSendBookDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	if !c.SendBook(ctx, models.BookSnapshot{Provider: "thales"}) {
		t.Fatalf("first send should succeed")
	}
	if c.SendBook(ctx, models.BookSnapshot{Provider: "thales"}) {
		t.Fatalf("second send should be dropped")
	}
	stats := c.GetStats()
	if stats.BooksSent != 1 || stats.BooksDropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSendRowCancelled(t *testing.T) {
	c := NewChannels(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if c.SendRow(ctx, models.LevelRow{}) {
		t.Fatalf("send on unbuffered channel without receiver should fail")
	}
}

func TestCloseAndReporting(t *testing.T) {
	c := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	cancel()

	c.CloseBooks()
	c.CloseBooks()
	c.CloseRows()
	if _, ok := <-c.Books; ok {
		t.Fatalf("books channel should be closed")
	}
}
