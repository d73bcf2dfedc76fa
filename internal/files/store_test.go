package files

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T, maxSize int64) *DiskStore {
	t.Helper()
	s, err := NewDiskStore(t.TempDir(), maxSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	return s
}

func TestPutAndOpen(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	desc, err := s.Put(ctx, 42, "../../etc/report.txt", "text/plain", strings.NewReader("quarterly numbers"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if desc.Name != "report.txt" {
		t.Errorf("expected name to be stripped to report.txt, got %q", desc.Name)
	}
	if desc.Size != int64(len("quarterly numbers")) {
		t.Errorf("expected size %d, got %d", len("quarterly numbers"), desc.Size)
	}

	rc, got, err := s.Open(ctx, 42, desc.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "quarterly numbers" {
		t.Errorf("unexpected contents %q", data)
	}
	if got != desc {
		t.Errorf("expected descriptor %+v, got %+v", desc, got)
	}
}

func TestPutDefaultsMimeType(t *testing.T) {
	s := newTestStore(t, 0)
	desc, err := s.Put(context.Background(), 1, "blob", "", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if desc.MimeType != "application/octet-stream" {
		t.Errorf("expected octet-stream, got %s", desc.MimeType)
	}
}

func TestPutRejectsOversizedFile(t *testing.T) {
	s := newTestStore(t, 4)

	_, err := s.Put(context.Background(), 1, "big.bin", "", strings.NewReader("12345"))
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	desc, err := s.Put(context.Background(), 1, "ok.bin", "", strings.NewReader("1234"))
	if err != nil {
		t.Fatalf("file at the limit should be accepted: %v", err)
	}
	if desc.Size != 4 {
		t.Errorf("expected size 4, got %d", desc.Size)
	}
}

func TestPutRequiresName(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Put(context.Background(), 1, "", "", strings.NewReader("x"))
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestOpenNotFound(t *testing.T) {
	s := newTestStore(t, 0)
	desc, err := s.Put(context.Background(), 1, "a.txt", "", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		name           string
		conversationID int64
		fileID         string
	}{
		{"unknown id", 1, "7c9e6679-7425-40de-944b-e07fc1f90ae7"},
		{"not a uuid", 1, "../1/" + desc.ID},
		{"other conversation", 2, desc.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Open(context.Background(), tt.conversationID, tt.fileID)
			if !errors.Is(err, types.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestNewDiskStoreRequiresDir(t *testing.T) {
	if _, err := NewDiskStore("", 0, zerolog.Nop()); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
