package adapter

import (
	"context"
	"errors"
	"testing"
)

func TestStubDefaultRun(t *testing.T) {
	var gotProgress int
	var gotStatus string
	s := &Stub{}
	res, err := s.Run(context.Background(), Request{}, func(p int, status string) {
		gotProgress = p
		gotStatus = status
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.Success {
		t.Error("expected success result")
	}
	if gotProgress != 100 || gotStatus != "done" {
		t.Errorf("progress callback got (%d, %q), want (100, %q)", gotProgress, gotStatus, "done")
	}
}

func TestStubRunFuncOverride(t *testing.T) {
	wantErr := errors.New("boom")
	s := &Stub{
		RunFunc: func(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
			return Result{}, wantErr
		},
	}
	if _, err := s.Run(context.Background(), Request{}, nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected override error, got %v", err)
	}
}

func TestStubNilProgress(t *testing.T) {
	s := &Stub{}
	if _, err := s.Run(context.Background(), Request{}, nil); err != nil {
		t.Fatalf("run with nil progress failed: %v", err)
	}
}
