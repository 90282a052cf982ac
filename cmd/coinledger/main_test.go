package main

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/panagiotiskrb/coinledger-system/internal/model"
)

func TestReadEventsSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		"not json at all",
		`{"session_id":"sess-1","status":"completed","reference":"pi_1"}`,
		"",
	}, "\n")

	events := make(chan model.PaymentEvent, 1)
	err := readEvents(context.Background(), strings.NewReader(input), events, zap.NewNop())
	if err != nil {
		t.Fatalf("readEvents error: %v", err)
	}

	ev := <-events
	if ev.SessionID != "sess-1" || ev.Status != model.PaymentStatusCompleted {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestReadEventsHandlesLongLines(t *testing.T) {
	// Строка длиннее стандартного буфера сканера не должна прерывать поток.
	long := strings.Repeat("x", 100*1024)
	input := long + "\n" + `{"session_id":"sess-2","status":"failed"}` + "\n"

	events := make(chan model.PaymentEvent, 1)
	err := readEvents(context.Background(), strings.NewReader(input), events, zap.NewNop())
	if err != nil {
		t.Fatalf("readEvents error: %v", err)
	}

	ev := <-events
	if ev.SessionID != "sess-2" || ev.Status != model.PaymentStatusFailed {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestReadEventsOversizedLineStopsQuietly(t *testing.T) {
	long := strings.Repeat("x", maxEventLine+1)

	events := make(chan model.PaymentEvent, 1)
	err := readEvents(context.Background(), strings.NewReader(long+"\n"), events, zap.NewNop())
	if err != nil {
		t.Fatalf("oversized line must not surface an error, got %v", err)
	}
}
