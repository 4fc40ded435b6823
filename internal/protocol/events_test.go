package protocol

import (
	"testing"
	"time"
)

func TestDecodeEvent(t *testing.T) {
	data, err := EncodeFileIngested(&FileIngestedEvent{
		EventID:    "e1",
		CycleID:    "c1",
		Filename:   "touch_20251101.csv",
		Source:     "local",
		Records:    10,
		ImportedAt: time.Date(2025, 11, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	fi, ok := ev.(*FileIngestedEvent)
	if !ok {
		t.Fatalf("expected *FileIngestedEvent, got %T", ev)
	}
	if fi.Type != EventFileIngested || fi.Records != 10 || fi.Filename != "touch_20251101.csv" {
		t.Errorf("unexpected event: %+v", fi)
	}

	data, _ = EncodeCycleCompleted(&CycleCompletedEvent{CycleID: "c1", Outcome: "partial", Errors: 1})
	ev, err = DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if cc, ok := ev.(*CycleCompletedEvent); !ok || cc.Errors != 1 {
		t.Errorf("unexpected event: %#v", ev)
	}

	if _, err := DecodeEvent([]byte(`{"type":"boiler.offline"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}
