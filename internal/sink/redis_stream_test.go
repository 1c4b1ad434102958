package sink

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestStreamSink_Write(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sink := NewStreamSink(rdb, newTestLogger(), "")
	ctx := WithRunID(context.Background(), "run-42")
	want := sampleRecords()
	for _, rec := range want {
		if err := sink.Write(ctx, rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	msgs, err := rdb.XRange(context.Background(), DefaultRecordStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, msg := range msgs {
		rec, runID, err := DecodeStreamRecord(msg.Values)
		if err != nil {
			t.Fatalf("decode message %d: %v", i, err)
		}
		if rec != want[i] {
			t.Errorf("message %d: got %+v, want %+v", i, rec, want[i])
		}
		if runID != "run-42" {
			t.Errorf("message %d: run id %q", i, runID)
		}
		if msg.Values["sku"] != string(want[i].MPN) {
			t.Errorf("message %d: sku field %v", i, msg.Values["sku"])
		}
	}
}

func TestDecodeStreamRecord_MissingData(t *testing.T) {
	if _, _, err := DecodeStreamRecord(map[string]interface{}{"sku": "1"}); err == nil {
		t.Fatalf("expected error for missing data field")
	}
}
