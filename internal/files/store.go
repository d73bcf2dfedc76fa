package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dennisdiepolder/livedesk/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxSize is the upload limit when none is configured
const DefaultMaxSize = 10 << 20

// Store keeps the bytes of files sent in conversations
type Store interface {
	Put(ctx context.Context, conversationID int64, name, mimeType string, r io.Reader) (types.FileDescriptor, error)
	Open(ctx context.Context, conversationID int64, fileID string) (io.ReadCloser, types.FileDescriptor, error)
}

// DiskStore stores files under dir/<conversation id>/<file id> with a JSON
// descriptor next to each file
type DiskStore struct {
	dir     string
	maxSize int64
	logger  zerolog.Logger
}

// NewDiskStore creates the root directory if needed
func NewDiskStore(dir string, maxSize int64, logger zerolog.Logger) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("files directory is required: %w", types.ErrInvalidInput)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating files directory: %w", err)
	}
	return &DiskStore{
		dir:     dir,
		maxSize: maxSize,
		logger:  logger.With().Str("component", "file_store").Logger(),
	}, nil
}

// MaxSize returns the upload limit in bytes
func (s *DiskStore) MaxSize() int64 {
	return s.maxSize
}

// Put writes r to disk. Uploads larger than the limit are rejected and removed.
func (s *DiskStore) Put(ctx context.Context, conversationID int64, name, mimeType string, r io.Reader) (types.FileDescriptor, error) {
	if name == "" {
		return types.FileDescriptor{}, fmt.Errorf("file name is required: %w", types.ErrInvalidInput)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	convDir := s.conversationDir(conversationID)
	if err := os.MkdirAll(convDir, 0o700); err != nil {
		return types.FileDescriptor{}, fmt.Errorf("creating conversation directory: %w", err)
	}

	desc := types.FileDescriptor{
		ID:       uuid.New().String(),
		Name:     filepath.Base(name),
		MimeType: mimeType,
	}
	path := filepath.Join(convDir, desc.ID)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return types.FileDescriptor{}, fmt.Errorf("creating file: %w", err)
	}

	// Read one byte past the limit to detect oversized uploads
	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && n > s.maxSize {
		err = fmt.Errorf("file exceeds %d bytes: %w", s.maxSize, types.ErrInvalidInput)
	}
	if err != nil {
		os.Remove(path)
		return types.FileDescriptor{}, err
	}
	desc.Size = n

	meta, err := json.Marshal(desc)
	if err != nil {
		os.Remove(path)
		return types.FileDescriptor{}, fmt.Errorf("encoding descriptor: %w", err)
	}
	if err := os.WriteFile(path+".json", meta, 0o600); err != nil {
		os.Remove(path)
		return types.FileDescriptor{}, fmt.Errorf("writing descriptor: %w", err)
	}

	s.logger.Debug().
		Int64("conversation_id", conversationID).
		Str("file_id", desc.ID).
		Int64("size", desc.Size).
		Msg("file stored")
	return desc, nil
}

// Open returns the file contents and its descriptor. The caller closes the reader.
func (s *DiskStore) Open(_ context.Context, conversationID int64, fileID string) (io.ReadCloser, types.FileDescriptor, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, types.FileDescriptor{}, fmt.Errorf("file %s: %w", fileID, types.ErrNotFound)
	}
	path := filepath.Join(s.conversationDir(conversationID), fileID)

	meta, err := os.ReadFile(path + ".json")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.FileDescriptor{}, fmt.Errorf("file %s: %w", fileID, types.ErrNotFound)
		}
		return nil, types.FileDescriptor{}, fmt.Errorf("reading descriptor: %w", err)
	}
	var desc types.FileDescriptor
	if err := json.Unmarshal(meta, &desc); err != nil {
		return nil, types.FileDescriptor{}, fmt.Errorf("decoding descriptor: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.FileDescriptor{}, fmt.Errorf("file %s: %w", fileID, types.ErrNotFound)
		}
		return nil, types.FileDescriptor{}, fmt.Errorf("opening file: %w", err)
	}
	return f, desc, nil
}

func (s *DiskStore) conversationDir(conversationID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(conversationID, 10))
}
