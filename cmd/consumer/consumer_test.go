package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

type flakySink struct {
	failures int
	applied  []ingest.LocationUpdate
}

func (s *flakySink) Apply(_ context.Context, u ingest.LocationUpdate) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("transient")
	}
	s.applied = append(s.applied, u)
	return nil
}

func TestApplyWithRetryRecovers(t *testing.T) {
	sink := &flakySink{failures: 2}
	u := ingest.LocationUpdate{DriverID: "d1", Lat: 40, Lon: 40, At: time.Now()}
	if err := applyWithRetry(context.Background(), sink, u, 3, time.Millisecond); err != nil {
		t.Fatalf("retry should recover: %v", err)
	}
	if len(sink.applied) != 1 {
		t.Fatalf("applied %d times", len(sink.applied))
	}
}

func TestApplyWithRetryGivesUp(t *testing.T) {
	sink := &flakySink{failures: 10}
	u := ingest.LocationUpdate{DriverID: "d1", Lat: 40, Lon: 40}
	if err := applyWithRetry(context.Background(), sink, u, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if len(sink.applied) != 0 {
		t.Fatalf("nothing should be applied")
	}
}

func TestHandleMessageSkipsMalformed(t *testing.T) {
	sink := &flakySink{}
	handleMessage(context.Background(), sink, []byte("not json"))
	handleMessage(context.Background(), sink, []byte(`{"lat":40,"lon":40}`))
	if len(sink.applied) != 0 {
		t.Fatalf("malformed messages must be skipped")
	}

	b, _ := json.Marshal(ingest.LocationUpdate{DriverID: "d1", Lat: 40.1, Lon: 40.2})
	handleMessage(context.Background(), sink, b)
	if len(sink.applied) != 1 || sink.applied[0].DriverID != "d1" {
		t.Fatalf("valid message not applied: %+v", sink.applied)
	}
	if sink.applied[0].At.IsZero() {
		t.Fatalf("missing timestamp should be defaulted")
	}
}

func TestCombinedSinkWritesStore(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedDriver(&models.Driver{ID: "d1", UserID: "u1", Status: models.DriverAvailable})
	sink := &combinedSink{store: store}

	at := time.Now().UTC()
	if err := sink.Apply(context.Background(), ingest.LocationUpdate{DriverID: "d1", Lat: 40.5, Lon: 41.5, At: at}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var loc *models.DriverLocation
	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		loc, err = tx.GetDriverLocation(context.Background(), "d1")
		return err
	})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if loc.Loc.Lat != 40.5 || loc.Loc.Lon != 41.5 {
		t.Fatalf("unexpected location %+v", loc)
	}
}
