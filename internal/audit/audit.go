// Package audit implements the append-only artifact log.
//
// Records are newline-delimited JSON under
//
//	<sandbox root>/<subdir>/<YYYY-MM>/<tag>-<seq>.ndjson
//
// bucketed by the UTC month of the append. A file rotates to the next
// sequence number once its size reaches the configured threshold; the size is
// sampled on every append, so the threshold is a soft bound. Strings inside
// records are redacted before anything touches disk.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/toolgate/internal/redact"
	"github.com/ashita-ai/toolgate/internal/sandbox"
)

const (
	// UntaggedTag replaces a tag that sanitizes to nothing.
	UntaggedTag = "untagged"

	fileExt      = ".ndjson"
	bucketFmt    = "2006-01"
	timestampFmt = "2006-01-02T15:04:05.000Z07:00"

	DefaultMaxBytes   = 10_000_000
	DefaultLimit      = 50
	MaxLimit          = 1000
	DefaultMonthsBack = 12
	MaxMonthsBack     = 36
)

// Order selects the direction of List results.
type Order string

const (
	Desc Order = "desc" // newest appended first
	Asc  Order = "asc"  // oldest first
)

// Entry is the input to Append.
type Entry struct {
	Tag     string
	Content any
	Meta    any
	Corr    string
	Actor   string
	Tool    string
}

// Record is one persisted line.
type Record struct {
	TS      string `json:"ts"`
	Tag     string `json:"tag"`
	Corr    string `json:"corr,omitempty"`
	Actor   string `json:"actor,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Content any    `json:"content"`
	Meta    any    `json:"meta"`
}

// Receipt reports where an Append landed. File is relative to the sandbox
// root.
type Receipt struct {
	File string `json:"file"`
	TS   string `json:"ts"`
}

// Query selects records for List. Zero values take the defaults.
type Query struct {
	Tag        string
	Limit      int
	Order      Order
	MonthsBack int
}

// Options configures a Log.
type Options struct {
	Subdir   string // directory under the sandbox root; default "artifacts"
	MaxBytes int64  // rotation threshold; default DefaultMaxBytes
	Logger   *slog.Logger
	Now      func() time.Time // clock, for tests
}

// Log is the artifact log. It is safe for concurrent use; appends to the same
// (bucket, tag) pair are serialized, appends to different pairs are not.
type Log struct {
	dir      string // absolute
	relDir   string // relative to the sandbox root, slash separated
	maxBytes int64
	logger   *slog.Logger
	now      func() time.Time

	locks keyedMutex
}

// New opens the log inside sb, creating its directory and marking it
// read-only for the sandbox's file tools.
func New(sb *sandbox.Sandbox, opts Options) (*Log, error) {
	if opts.Subdir == "" {
		opts.Subdir = "artifacts"
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p, err := sb.Resolve(opts.Subdir)
	if err != nil {
		return nil, fmt.Errorf("audit: resolve dir: %w", err)
	}
	if p.Rel() == "." {
		return nil, errors.New("audit: subdir must not be the sandbox root")
	}
	if err := os.MkdirAll(p.Abs(), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	if err := sb.Protect(p.Rel()); err != nil {
		return nil, fmt.Errorf("audit: protect dir: %w", err)
	}

	return &Log{
		dir:      p.Abs(),
		relDir:   p.Rel(),
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger,
		now:      opts.Now,
		locks:    keyedMutex{locks: make(map[string]*sync.Mutex)},
	}, nil
}

// SanitizeTag maps tag onto the file-name alphabet [A-Za-z0-9:_-]. Every other
// character becomes "_". An empty result becomes UntaggedTag.
func SanitizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	var b strings.Builder
	b.Grow(len(tag))
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ':', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return UntaggedTag
	}
	return b.String()
}

// Append redacts e and writes it as one line to the current file for its
// (month, tag) pair, rotating first if that file is at or over the threshold.
func (l *Log) Append(ctx context.Context, e Entry) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	now := l.now().UTC()
	tag := SanitizeTag(e.Tag)
	rec := Record{
		TS:      now.Format(timestampFmt),
		Tag:     tag,
		Corr:    redact.String(e.Corr),
		Actor:   redact.String(e.Actor),
		Tool:    redact.String(e.Tool),
		Content: redact.Value(e.Content),
		Meta:    redact.Value(e.Meta),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return Receipt{}, fmt.Errorf("audit: encode record: %w", err)
	}
	line = append(line, '\n')

	bucket := now.Format(bucketFmt)
	unlock := l.locks.lock(bucket + "/" + tag)
	defer unlock()

	dir := filepath.Join(l.dir, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Receipt{}, fmt.Errorf("audit: create bucket: %w", err)
	}
	name, err := l.currentFile(dir, tag)
	if err != nil {
		return Receipt{}, err
	}

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Receipt{}, fmt.Errorf("audit: open %s: %w", name, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return Receipt{}, fmt.Errorf("audit: write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return Receipt{}, fmt.Errorf("audit: close %s: %w", name, err)
	}

	file := path.Join(l.relDir, bucket, name)
	l.logger.Debug("artifact appended", "file", file, "tag", tag, "bytes", len(line))
	return Receipt{File: file, TS: rec.TS}, nil
}

// List returns up to q.Limit records for q.Tag from the last q.MonthsBack
// months, including the current one.
//
// Files are scanned newest first and the scan stops as soon as Limit raw
// lines have been collected. The selected lines are then put in append order,
// so Desc yields the most recent records. Asc yields the oldest of the lines
// that were scanned, which are not the oldest overall when the newest files
// alone hold Limit lines.
func (l *Log) List(ctx context.Context, q Query) ([]Record, error) {
	q = q.normalized()
	tag := SanitizeTag(q.Tag)

	// Chunks in scan order: newest file first, lines within a chunk in
	// append order.
	var (
		chunks [][]Record
		total  int
	)
	month := firstOfMonth(l.now().UTC())
scan:
	for i := 0; i < q.MonthsBack; i++ {
		bucket := month.AddDate(0, -i, 0).Format(bucketFmt)
		dir := filepath.Join(l.dir, bucket)

		seqs, err := listSeqs(dir, tag)
		if err != nil {
			return nil, err
		}
		for j := len(seqs) - 1; j >= 0; j-- {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			recs, lines, err := l.readFile(filepath.Join(dir, fileName(tag, seqs[j])))
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, recs)
			total += lines
			if total >= q.Limit {
				break scan
			}
		}
	}

	ordered := make([]Record, 0, total)
	for i := len(chunks) - 1; i >= 0; i-- {
		ordered = append(ordered, chunks[i]...)
	}
	if q.Order == Desc {
		slices.Reverse(ordered)
	}
	if len(ordered) > q.Limit {
		ordered = ordered[:q.Limit]
	}
	return ordered, nil
}

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	q.Limit = min(q.Limit, MaxLimit)
	if q.MonthsBack <= 0 {
		q.MonthsBack = DefaultMonthsBack
	}
	q.MonthsBack = min(q.MonthsBack, MaxMonthsBack)
	if q.Order != Asc {
		q.Order = Desc
	}
	return q
}

// currentFile returns the file name the next append for tag in dir goes to.
func (l *Log) currentFile(dir, tag string) (string, error) {
	seqs, err := listSeqs(dir, tag)
	if err != nil {
		return "", err
	}
	if len(seqs) == 0 {
		return fileName(tag, 1), nil
	}
	last := seqs[len(seqs)-1]
	info, err := os.Stat(filepath.Join(dir, fileName(tag, last)))
	if err != nil {
		return "", fmt.Errorf("audit: stat current file: %w", err)
	}
	if info.Size() >= l.maxBytes {
		l.logger.Info("artifact file rotated", "tag", tag, "seq", last+1, "size", info.Size())
		return fileName(tag, last+1), nil
	}
	return fileName(tag, last), nil
}

// readFile decodes every line of a file. Lines that do not decode (a torn
// write, manual edits) are skipped and logged but still count as raw lines.
func (l *Log) readFile(name string) ([]Record, int, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: read %s: %w", filepath.Base(name), err)
	}
	var (
		recs  []Record
		lines int
	)
	for raw := range bytes.SplitSeq(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		lines++
		var rec Record
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&rec); err != nil {
			l.logger.Warn("skipping malformed artifact line", "file", filepath.Base(name), "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, lines, nil
}

// listSeqs returns the sequence numbers of tag's files in dir, ascending. A
// missing directory yields none.
func listSeqs(dir, tag string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read bucket: %w", err)
	}
	prefix := tag + "-"
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		// The remainder must be all digits, so tag "a" never claims
		// files belonging to tag "a-b".
		digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix), fileExt)
		if digits == "" || strings.Trim(digits, "0123456789") != "" {
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	slices.Sort(seqs)
	return seqs, nil
}

func fileName(tag string, seq int) string {
	return fmt.Sprintf("%s-%04d%s", tag, seq, fileExt)
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// keyedMutex hands out one mutex per key. Entries are never evicted; the key
// space is months times tags.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
