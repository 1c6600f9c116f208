package proxsmtp

import (
	"context"
	"testing"
	"time"
)

func TestFileDriverAcceptsCleanExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilterType = FilterFile
	cfg.Command = "true"
	cfg.Timeout = 2 * time.Second

	host := newFakeHost()
	status, err := fileDriver(context.Background(), host, &SessionContext{}, cfg)
	if err != nil {
		t.Fatalf("fileDriver: %v", err)
	}
	if status != "FILTERED" {
		t.Errorf("status = %q, want FILTERED", status)
	}
	if host.doneDataCalls != 1 {
		t.Errorf("doneDataCalls = %d, want 1", host.doneDataCalls)
	}
	if host.cacheDataCalls < 1 {
		t.Errorf("cacheDataCalls = %d, want at least 1", host.cacheDataCalls)
	}
}

func TestFileDriverRejectsNonZeroExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilterType = FilterFile
	cfg.Command = "echo virus found >&2; exit 1"
	cfg.Timeout = 2 * time.Second

	host := newFakeHost()
	status, err := fileDriver(context.Background(), host, &SessionContext{}, cfg)
	if err != nil {
		t.Fatalf("fileDriver: %v", err)
	}
	if status != "virus found" {
		t.Errorf("status = %q, want %q", status, "virus found")
	}
	if host.failDataCalls != 1 {
		t.Errorf("failDataCalls = %d, want 1", host.failDataCalls)
	}
}

func TestFileDriverAbnormalExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilterType = FilterFile
	cfg.Command = "kill -TERM $$"
	cfg.Timeout = 2 * time.Second

	host := newFakeHost()
	_, err := fileDriver(context.Background(), host, &SessionContext{}, cfg)
	if err != ErrAbnormalExit {
		t.Errorf("err = %v, want ErrAbnormalExit", err)
	}
}
