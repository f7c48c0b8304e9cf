package rpkica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
)

// CommandKey identifies a recorded command within one aggregate's history.
// Its text form is "{sequence}-{unix millis}-{command type}".
type CommandKey struct {
	Sequence  int64
	Timestamp time.Time
	Type      string
}

// String renders the key.
func (k CommandKey) String() string {
	return fmt.Sprintf("%d-%d-%s", k.Sequence, k.Timestamp.UnixMilli(), k.Type)
}

// ParseCommandKey parses the text form of a CommandKey.
func ParseCommandKey(s string) (CommandKey, error) {
	seqText, rest, ok := strings.Cut(s, "-")
	if !ok {
		return CommandKey{}, fmt.Errorf("%w: %q", ErrInvalidCommandKey, s)
	}
	millisText, typ, ok := strings.Cut(rest, "-")
	if !ok || typ == "" {
		return CommandKey{}, fmt.Errorf("%w: %q", ErrInvalidCommandKey, s)
	}
	seq, err := strconv.ParseInt(seqText, 10, 64)
	if err != nil || seq < 0 {
		return CommandKey{}, fmt.Errorf("%w: %q: bad sequence", ErrInvalidCommandKey, s)
	}
	millis, err := strconv.ParseInt(millisText, 10, 64)
	if err != nil {
		return CommandKey{}, fmt.Errorf("%w: %q: bad timestamp", ErrInvalidCommandKey, s)
	}
	return CommandKey{Sequence: seq, Timestamp: time.UnixMilli(millis).UTC(), Type: typ}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (k CommandKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CommandKey) UnmarshalText(text []byte) error {
	parsed, err := ParseCommandKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// CommandHistoryCriteria filters a command history. The zero value selects everything.
type CommandHistoryCriteria struct {
	// After and Before bound the command timestamps, exclusive. Zero means unbounded.
	After  time.Time
	Before time.Time

	// IncludeTypes keeps only these command types when non-empty.
	IncludeTypes []string

	// ExcludeTypes drops these command types.
	ExcludeTypes []string

	// Offset skips this many matching commands.
	Offset int

	// RowsLimit caps the number of returned commands. Zero means no limit.
	RowsLimit int
}

func (c CommandHistoryCriteria) matches(r CommandHistoryRecord) bool {
	if !c.After.IsZero() && !r.Timestamp.After(c.After) {
		return false
	}
	if !c.Before.IsZero() && !r.Timestamp.Before(c.Before) {
		return false
	}
	if len(c.IncludeTypes) > 0 && !slices.Contains(c.IncludeTypes, r.Type) {
		return false
	}
	return !slices.Contains(c.ExcludeTypes, r.Type)
}

// CommandHistoryRecord summarizes one recorded command.
type CommandHistoryRecord struct {
	Key       CommandKey `json:"key"`
	Actor     string     `json:"actor,omitempty"`
	Type      string     `json:"type"`
	Summary   string     `json:"summary"`
	Timestamp time.Time  `json:"timestamp"`

	// Version is the aggregate version the command was applied against.
	Version int64 `json:"version"`

	// EventVersions are the versions of the events the command produced.
	EventVersions []int64 `json:"eventVersions"`
}

// CommandHistory is a page of an aggregate's command history, oldest first.
type CommandHistory struct {
	Offset   int                    `json:"offset"`
	Total    int                    `json:"total"`
	Commands []CommandHistoryRecord `json:"commands"`
}

// CommandDetailsRecord is a recorded command together with the events it produced.
type CommandDetailsRecord struct {
	Key       CommandKey      `json:"key"`
	Actor     string          `json:"actor,omitempty"`
	Type      string          `json:"type"`
	Summary   string          `json:"summary"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int64           `json:"version"`
	Metadata  Metadata        `json:"metadata"`
	Command   json.RawMessage `json:"command"`
	Events    []EventRecord   `json:"events"`
}

// EventRecord is a decoded event rendered for display.
type EventRecord struct {
	Version int64           `json:"version"`
	Type    string          `json:"type"`
	Summary string          `json:"summary"`
	Details json.RawMessage `json:"details"`
}

// eventVersions maps a command's adapter positions to domain event versions.
// The events of a command applied at aggregate version v occupy adapter
// positions v+1..v+n, which are domain versions v..v+n-1.
func eventVersions(version int64, count int) []int64 {
	out := make([]int64, count)
	for i := range out {
		out[i] = version + int64(i)
	}
	return out
}

func keyOf(c adapters.StoredCommand) CommandKey {
	return CommandKey{Sequence: c.Sequence, Timestamp: c.Timestamp, Type: c.Type}
}

func historyRecord(c adapters.StoredCommand) CommandHistoryRecord {
	return CommandHistoryRecord{
		Key:           keyOf(c),
		Actor:         c.Metadata.Actor,
		Type:          c.Type,
		Summary:       c.Summary,
		Timestamp:     c.Timestamp,
		Version:       c.Version,
		EventVersions: eventVersions(c.Version, c.EventCount),
	}
}

// History returns the recorded commands of an aggregate matching criteria,
// oldest first. Total counts every match before Offset and RowsLimit apply.
func (s *AggregateStore[A, I, C, E]) History(ctx context.Context, handle Handle, criteria CommandHistoryCriteria) (*CommandHistory, error) {
	commands, err := s.adapter.LoadCommands(ctx, s.streamID(handle))
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		if ok, err := s.Has(ctx, handle); err != nil {
			return nil, err
		} else if !ok {
			return nil, &AggregateNotFoundError{Namespace: s.namespace, Handle: handle}
		}
	}

	matched := make([]CommandHistoryRecord, 0, len(commands))
	for _, c := range commands {
		r := historyRecord(c)
		if criteria.matches(r) {
			matched = append(matched, r)
		}
	}

	offset := max(criteria.Offset, 0)
	page := matched[min(offset, len(matched)):]
	if criteria.RowsLimit > 0 && len(page) > criteria.RowsLimit {
		page = page[:criteria.RowsLimit]
	}
	return &CommandHistory{Offset: offset, Total: len(matched), Commands: page}, nil
}

// CommandDetails returns a recorded command and the events it produced.
func (s *AggregateStore[A, I, C, E]) CommandDetails(ctx context.Context, handle Handle, key CommandKey) (*CommandDetailsRecord, error) {
	notFound := &CommandNotFoundError{Namespace: s.namespace, Handle: handle, Key: key}
	streamID := s.streamID(handle)

	c, err := s.adapter.GetCommand(ctx, streamID, key.Sequence)
	if errors.Is(err, adapters.ErrCommandNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	if c.Type != key.Type || c.Timestamp.UnixMilli() != key.Timestamp.UnixMilli() {
		return nil, notFound
	}

	stored, err := s.adapter.Load(ctx, streamID, c.Version)
	if err != nil {
		return nil, err
	}
	if len(stored) < c.EventCount {
		return nil, &ReplayIntegrityError{
			Namespace: s.namespace,
			Handle:    handle,
			Version:   c.Version,
			Cause:     fmt.Errorf("command %s produced %d events, log holds %d", key, c.EventCount, len(stored)),
		}
	}

	events := make([]EventRecord, 0, c.EventCount)
	for _, rec := range stored[:c.EventCount] {
		version := rec.Version - 1
		var decoded any
		if version == 0 {
			decoded, err = decode[I](s.cfg.serializer, rec)
		} else {
			decoded, err = decode[E](s.cfg.serializer, rec)
		}
		if err != nil {
			return nil, &ReplayIntegrityError{Namespace: s.namespace, Handle: handle, Version: version, Cause: err}
		}
		details, err := json.Marshal(decoded)
		if err != nil {
			return nil, NewSerializationError(rec.Type, "serialize", err)
		}
		events = append(events, EventRecord{
			Version: version,
			Type:    rec.Type,
			Summary: summarize(decoded, rec.Type),
			Details: details,
		})
	}

	return &CommandDetailsRecord{
		Key:       keyOf(*c),
		Actor:     c.Metadata.Actor,
		Type:      c.Type,
		Summary:   c.Summary,
		Timestamp: c.Timestamp,
		Version:   c.Version,
		Metadata:  metadataFromAdapter(c.Metadata),
		Command:   json.RawMessage(c.Data),
		Events:    events,
	}, nil
}
