// Package disk provides a file based event store adapter. Every stream is a
// directory holding one JSON file per event and per command, plus an info
// file that is rewritten last and marks the committed stream version.
//
// Layout:
//
//	{dir}/{streamID}/info.json
//	{dir}/{streamID}/event-{version}.json
//	{dir}/{streamID}/command-{sequence}.json
//	{dir}/{streamID}/snapshot.json
//
// Files beyond the version recorded in info.json belong to an interrupted
// append and are ignored and later overwritten. Appends hold an advisory lock
// on {dir}/{streamID}/.lock, so several processes may share a directory.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Ensure Adapter implements all required interfaces.
var (
	_ adapters.EventStoreAdapter = (*Adapter)(nil)
	_ adapters.SnapshotAdapter   = (*Adapter)(nil)
	_ adapters.HealthChecker     = (*Adapter)(nil)
)

const (
	infoFile     = "info.json"
	snapshotFile = "snapshot.json"
	lockFile     = ".lock"
	filePerm     = 0o644
	dirPerm      = 0o755

	lockRetryDelay = 5 * time.Millisecond
)

// Adapter stores streams as JSON files below a directory.
type Adapter struct {
	dir string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
}

// NewAdapter creates a disk adapter rooted at dir. Call Initialize to create it.
func NewAdapter(dir string) *Adapter {
	return &Adapter{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Dir returns the root directory.
func (a *Adapter) Dir() string { return a.dir }

type streamInfoFile struct {
	Version      int64     `json:"version"`
	CommandCount int64     `json:"commandCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// payload keeps JSON data readable on disk and falls back to base64 for
// binary serializers.
type payload struct {
	JSON   json.RawMessage `json:"json,omitempty"`
	Binary []byte          `json:"binary,omitempty"`
}

func newPayload(data []byte) payload {
	if len(data) > 0 && json.Valid(data) {
		return payload{JSON: json.RawMessage(data)}
	}
	return payload{Binary: data}
}

func (p payload) bytes() []byte {
	if p.JSON != nil {
		return []byte(p.JSON)
	}
	return p.Binary
}

type eventFile struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   int64             `json:"version"`
	Data      payload           `json:"data"`
	Metadata  adapters.Metadata `json:"metadata"`
	Timestamp time.Time         `json:"timestamp"`
}

type commandFile struct {
	Sequence   int64             `json:"sequence"`
	Version    int64             `json:"version"`
	EventCount int               `json:"eventCount"`
	Type       string            `json:"type"`
	Summary    string            `json:"summary"`
	Data       payload           `json:"data"`
	Metadata   adapters.Metadata `json:"metadata"`
	Timestamp  time.Time         `json:"timestamp"`
}

type snapshotFileData struct {
	Version int64   `json:"version"`
	Data    payload `json:"data"`
}

// Initialize creates the root directory.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(a.dir, dirPerm)
}

// Close marks the adapter closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Ping checks that the root directory is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.check(ctx); err != nil {
		return err
	}
	_, err := os.Stat(a.dir)
	return err
}

func (a *Adapter) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

func (a *Adapter) streamLock(streamID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[streamID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[streamID] = l
	}
	return l
}

// lockStream serializes writers of one stream, in this process through a
// mutex and across processes through the stream's lock file.
func (a *Adapter) lockStream(ctx context.Context, streamID, dir string) (func(), error) {
	mu := a.streamLock(streamID)
	mu.Lock()
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("rpkica: create stream directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, lockFile))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err == nil && !locked {
		err = ctx.Err()
	}
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("rpkica: lock stream %s: %w", streamID, err)
	}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

func (a *Adapter) streamDir(streamID string) (string, error) {
	if streamID == "" {
		return "", adapters.ErrEmptyStreamID
	}
	if streamID != filepath.Base(streamID) || strings.HasPrefix(streamID, ".") {
		return "", fmt.Errorf("rpkica: stream ID %q is not usable as a directory name", streamID)
	}
	return filepath.Join(a.dir, streamID), nil
}

func eventPath(dir string, version int64) string {
	return filepath.Join(dir, fmt.Sprintf("event-%d.json", version))
}

func commandPath(dir string, sequence int64) string {
	return filepath.Join(dir, fmt.Sprintf("command-%d.json", sequence))
}

// Append writes the events and command files, then commits by rewriting info.json.
func (a *Adapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64, command *adapters.CommandRecord) ([]adapters.StoredEvent, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	if err := adapters.ValidateAppend(streamID, events); err != nil {
		return nil, err
	}
	dir, err := a.streamDir(streamID)
	if err != nil {
		return nil, err
	}

	unlock, err := a.lockStream(ctx, streamID, dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	info, exists, err := readInfo(dir)
	if err != nil {
		return nil, err
	}
	if err := adapters.CheckVersion(streamID, expectedVersion, info.Version, exists); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if command != nil && !command.Timestamp.IsZero() {
		now = command.Timestamp.UTC()
	}
	if !exists {
		info.CreatedAt = now
	}

	stored := make([]adapters.StoredEvent, len(events))
	version := info.Version
	for i, event := range events {
		version++
		ef := eventFile{
			ID:        uuid.New().String(),
			Type:      event.Type,
			Version:   version,
			Data:      newPayload(event.Data),
			Metadata:  event.Metadata,
			Timestamp: now,
		}
		if err := writeJSON(eventPath(dir, version), ef); err != nil {
			return nil, err
		}
		stored[i] = toStoredEvent(streamID, ef)
	}

	if command != nil {
		cf := commandFile{
			Sequence:   info.CommandCount,
			Version:    info.Version,
			EventCount: len(events),
			Type:       command.Type,
			Summary:    command.Summary,
			Data:       newPayload(command.Data),
			Metadata:   command.Metadata,
			Timestamp:  now,
		}
		if err := writeJSON(commandPath(dir, cf.Sequence), cf); err != nil {
			return nil, err
		}
		info.CommandCount++
	}

	info.Version = version
	info.UpdatedAt = now
	if err := writeJSON(filepath.Join(dir, infoFile), info); err != nil {
		return nil, err
	}

	return stored, nil
}

// Load reads committed events with a version greater than fromVersion.
func (a *Adapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	dir, err := a.streamDir(streamID)
	if err != nil {
		return nil, err
	}

	info, exists, err := readInfo(dir)
	if err != nil {
		return nil, err
	}
	events := make([]adapters.StoredEvent, 0)
	if !exists {
		return events, nil
	}

	for v := max(fromVersion, 0) + 1; v <= info.Version; v++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ef eventFile
		if err := readJSON(eventPath(dir, v), &ef); err != nil {
			return nil, fmt.Errorf("rpkica: read event %d of %s: %w", v, streamID, err)
		}
		events = append(events, toStoredEvent(streamID, ef))
	}
	return events, nil
}

// GetStreamInfo reads the committed stream info.
func (a *Adapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	dir, err := a.streamDir(streamID)
	if err != nil {
		return nil, err
	}
	info, exists, err := readInfo(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	return &adapters.StreamInfo{
		StreamID:     streamID,
		Category:     adapters.ExtractCategory(streamID),
		Version:      info.Version,
		CommandCount: info.CommandCount,
		CreatedAt:    info.CreatedAt,
		UpdatedAt:    info.UpdatedAt,
	}, nil
}

// ListStreams lists committed streams in a category.
func (a *Adapter) ListStreams(ctx context.Context, category string) ([]string, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}

	ids := make([]string, 0)
	for _, entry := range entries {
		if !entry.IsDir() || adapters.ExtractCategory(entry.Name()) != category {
			continue
		}
		if _, err := os.Stat(filepath.Join(a.dir, entry.Name(), infoFile)); err != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadCommands reads the committed commands of a stream.
func (a *Adapter) LoadCommands(ctx context.Context, streamID string) ([]adapters.StoredCommand, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	dir, err := a.streamDir(streamID)
	if err != nil {
		return nil, err
	}
	info, exists, err := readInfo(dir)
	if err != nil {
		return nil, err
	}
	commands := make([]adapters.StoredCommand, 0)
	if !exists {
		return commands, nil
	}
	for seq := int64(0); seq < info.CommandCount; seq++ {
		cmd, err := readCommand(streamID, dir, seq)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *cmd)
	}
	return commands, nil
}

// GetCommand reads one committed command.
func (a *Adapter) GetCommand(ctx context.Context, streamID string, sequence int64) (*adapters.StoredCommand, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	dir, err := a.streamDir(streamID)
	if err != nil {
		return nil, err
	}
	info, exists, err := readInfo(dir)
	if err != nil {
		return nil, err
	}
	if !exists || sequence < 0 || sequence >= info.CommandCount {
		return nil, adapters.NewCommandNotFoundError(streamID, sequence)
	}
	return readCommand(streamID, dir, sequence)
}

// SaveSnapshot writes the stream's snapshot file.
func (a *Adapter) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if err := a.check(ctx); err != nil {
		return err
	}
	dir, err := a.streamDir(streamID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, snapshotFile), snapshotFileData{Version: version, Data: newPayload(data)})
}

// LoadSnapshot reads the stream's snapshot file. Returns nil, nil when absent.
func (a *Adapter) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	dir, err := a.streamDir(streamID)
	if err != nil {
		return nil, err
	}
	var snap snapshotFileData
	if err := readJSON(filepath.Join(dir, snapshotFile), &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &adapters.SnapshotRecord{StreamID: streamID, Version: snap.Version, Data: snap.Data.bytes()}, nil
}

// DeleteSnapshot removes the stream's snapshot file.
func (a *Adapter) DeleteSnapshot(ctx context.Context, streamID string) error {
	if err := a.check(ctx); err != nil {
		return err
	}
	dir, err := a.streamDir(streamID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, snapshotFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func readInfo(dir string) (streamInfoFile, bool, error) {
	var info streamInfoFile
	err := readJSON(filepath.Join(dir, infoFile), &info)
	if errors.Is(err, fs.ErrNotExist) {
		return info, false, nil
	}
	if err != nil {
		return info, false, fmt.Errorf("rpkica: read stream info: %w", err)
	}
	return info, true, nil
}

func readCommand(streamID, dir string, sequence int64) (*adapters.StoredCommand, error) {
	var cf commandFile
	if err := readJSON(commandPath(dir, sequence), &cf); err != nil {
		return nil, fmt.Errorf("rpkica: read command %d of %s: %w", sequence, streamID, err)
	}
	return &adapters.StoredCommand{
		StreamID:   streamID,
		Sequence:   cf.Sequence,
		Version:    cf.Version,
		EventCount: cf.EventCount,
		Type:       cf.Type,
		Summary:    cf.Summary,
		Data:       cf.Data.bytes(),
		Metadata:   cf.Metadata,
		Timestamp:  cf.Timestamp,
	}, nil
}

func toStoredEvent(streamID string, ef eventFile) adapters.StoredEvent {
	return adapters.StoredEvent{
		ID:        ef.ID,
		StreamID:  streamID,
		Type:      ef.Type,
		Data:      ef.Data.bytes(),
		Metadata:  ef.Metadata,
		Version:   ef.Version,
		Timestamp: ef.Timestamp,
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON replaces path atomically via a temporary file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
