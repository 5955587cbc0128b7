package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Dead-letter reasons
const (
	DeadLetterAppendFailed = "append_failed"
	DeadLetterQueueFull    = "queue_full"
	DeadLetterShutdown     = "shutdown"
)

// DeadLetter is a redacted record that could not be appended
type DeadLetter struct {
	Record   *Record   `json:"record"`
	Reason   string    `json:"reason"`
	Error    string    `json:"error,omitempty"`
	FailedAt time.Time `json:"failedAt"`
}

// DeadLetterSink keeps records the store refused so an operator can replay them.
// Only already-redacted records are handed to a sink.
type DeadLetterSink interface {
	Name() string
	Put(ctx context.Context, letter DeadLetter) error
}

// LogDeadLetter writes dead letters to the operational log. It is the default sink.
type LogDeadLetter struct {
	logger logrus.FieldLogger
}

// NewLogDeadLetter creates a log-only sink
func NewLogDeadLetter(logger logrus.FieldLogger) *LogDeadLetter {
	return &LogDeadLetter{logger: logger}
}

func (s *LogDeadLetter) Name() string { return "log" }

// Put logs the full redacted record at error level
func (s *LogDeadLetter) Put(ctx context.Context, letter DeadLetter) error {
	data, err := json.Marshal(letter.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"reason":      letter.Reason,
		"error":       letter.Error,
		"failed_at":   letter.FailedAt,
		"dead_letter": string(data),
	}).Error("audit record dead-lettered")
	return nil
}

// RedisDeadLetter pushes dead letters onto a Redis list, newest at the head
type RedisDeadLetter struct {
	client redis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisDeadLetter creates a sink on list key. A positive maxLen trims the list
// to the newest maxLen entries.
func NewRedisDeadLetter(client redis.UniversalClient, key string, maxLen int64) *RedisDeadLetter {
	if key == "" {
		key = "auditd:deadletter"
	}
	return &RedisDeadLetter{client: client, key: key, maxLen: maxLen}
}

func (s *RedisDeadLetter) Name() string { return "redis" }

// Put pushes letter onto the list
func (s *RedisDeadLetter) Put(ctx context.Context, letter DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// Len returns the number of waiting dead letters
func (s *RedisDeadLetter) Len(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

// Pop removes and returns up to n of the oldest dead letters
func (s *RedisDeadLetter) Pop(ctx context.Context, n int) ([]DeadLetter, error) {
	letters := make([]DeadLetter, 0, n)
	for len(letters) < n {
		data, err := s.client.RPop(ctx, s.key).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return letters, fmt.Errorf("failed to pop dead letter: %w", err)
		}

		var letter DeadLetter
		if err := json.Unmarshal(data, &letter); err != nil {
			return letters, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Push returns letters to the tail of the list so they are popped first next time
func (s *RedisDeadLetter) Push(ctx context.Context, letters ...DeadLetter) error {
	for _, letter := range letters {
		data, err := json.Marshal(letter)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter: %w", err)
		}
		if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
			return fmt.Errorf("failed to requeue dead letter: %w", err)
		}
	}
	return nil
}

// FileDeadLetter appends dead letters to an NDJSON file with size-based rotation
type FileDeadLetter struct {
	basePath string
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	maxSize  int64
	maxFiles int
}

// FileDeadLetterConfig configures the file sink
type FileDeadLetterConfig struct {
	BasePath string // Directory holding deadletter.ndjson and its rotations
	MaxSize  int64  // Max file size in bytes before rotation (default: 100MB)
	MaxFiles int    // Max number of rotated files to keep (default: 10)
}

const deadLetterFile = "deadletter.ndjson"

// NewFileDeadLetter creates the directory if needed and opens the current file
func NewFileDeadLetter(config FileDeadLetterConfig) (*FileDeadLetter, error) {
	if err := os.MkdirAll(config.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	s := &FileDeadLetter{
		basePath: config.BasePath,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
	}
	if s.maxSize <= 0 {
		s.maxSize = 100 * 1024 * 1024
	}
	if s.maxFiles <= 0 {
		s.maxFiles = 10
	}

	if err := s.openFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileDeadLetter) Name() string { return "file" }

func (s *FileDeadLetter) openFile() error {
	filename := filepath.Join(s.basePath, deadLetterFile)

	if info, err := os.Stat(filename); err == nil && info.Size() >= s.maxSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("failed to rotate dead-letter file: %w", err)
		}
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	s.file = file
	s.encoder = json.NewEncoder(file)
	return nil
}

func (s *FileDeadLetter) rotate() error {
	current := filepath.Join(s.basePath, deadLetterFile)
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	rotated := filepath.Join(s.basePath, fmt.Sprintf("deadletter-%s.ndjson", stamp))
	if err := os.Rename(current, rotated); err != nil {
		return fmt.Errorf("failed to rename dead-letter file: %w", err)
	}

	return s.cleanup()
}

// cleanup removes the oldest rotated files beyond maxFiles. Rotated names sort by time.
func (s *FileDeadLetter) cleanup() error {
	files, err := filepath.Glob(filepath.Join(s.basePath, "deadletter-*.ndjson"))
	if err != nil {
		return err
	}
	if len(files) <= s.maxFiles {
		return nil
	}

	sort.Strings(files)
	var errs []error
	for _, f := range files[:len(files)-s.maxFiles] {
		if err := os.Remove(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Put appends letter as one JSON line, rotating first if the file is full
func (s *FileDeadLetter) Put(ctx context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("dead-letter file is closed")
	}
	if info, err := s.file.Stat(); err == nil && info.Size() >= s.maxSize {
		if err := s.openFile(); err != nil {
			return err
		}
	}

	if err := s.encoder.Encode(letter); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	return s.file.Sync()
}

// Close closes the current file
func (s *FileDeadLetter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// ReadDeadLetters reads dead letters from an NDJSON file written by FileDeadLetter
func ReadDeadLetters(path string) ([]DeadLetter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	defer file.Close()

	var letters []DeadLetter
	decoder := json.NewDecoder(file)
	for {
		var letter DeadLetter
		if err := decoder.Decode(&letter); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		letters = append(letters, letter)
	}
	return letters, nil
}
