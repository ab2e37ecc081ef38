package dataerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestLocalStorageErrorMatching(t *testing.T) {
	base := errors.New("database or disk is full")
	err := fmt.Errorf("failed to save run: %w", &LocalStorageError{Op: "upsert", Kind: DiskFull, Err: base})

	if !errors.Is(err, ErrDiskFull) {
		t.Fatal("expected disk-full match")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped cause to be reachable")
	}
	if !IsLocal(err) {
		t.Fatal("expected IsLocal")
	}

	other := &LocalStorageError{Op: "list", Err: base}
	if errors.Is(other, ErrDiskFull) {
		t.Fatal("unknown local error must not match disk full")
	}
}

func TestNetworkErrorMatching(t *testing.T) {
	err := fmt.Errorf("upload: %w", &NetworkError{Op: "upload", Kind: NoConnectivity})
	if !errors.Is(err, ErrNoConnectivity) {
		t.Fatal("expected no-connectivity match")
	}
	kind, ok := NetworkKindOf(err)
	if !ok || kind != NoConnectivity {
		t.Fatalf("NetworkKindOf = %v, %v", kind, ok)
	}
	if IsLocal(err) {
		t.Fatal("network error reported as local")
	}
	if _, ok := NetworkKindOf(errors.New("plain")); ok {
		t.Fatal("plain error reported as network error")
	}
}

func TestKindFromStatus(t *testing.T) {
	tests := map[int]NetworkKind{
		401: Unauthorized,
		404: NotFound,
		408: Timeout,
		409: Conflict,
		413: PayloadTooLarge,
		429: TooManyRequests,
		500: ServerError,
		503: ServerError,
		418: Unknown,
	}
	for status, want := range tests {
		if got := KindFromStatus(status); got != want {
			t.Errorf("KindFromStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestNetworkErrorMessage(t *testing.T) {
	err := &NetworkError{Op: "list", Kind: ServerError, Status: 502}
	if got := err.Error(); got != "remote list (server_error) status 502" {
		t.Fatalf("unexpected message %q", got)
	}
}
