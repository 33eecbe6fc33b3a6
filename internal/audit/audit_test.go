package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/toolgate/internal/sandbox"
)

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newLog(t *testing.T, maxBytes int64) (*Log, *sandbox.Sandbox, *clock) {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	clk := &clock{t: time.Date(2026, 10, 19, 12, 30, 45, 123_000_000, time.UTC)}
	l, err := New(sb, Options{
		MaxBytes: maxBytes,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Now:      clk.Now,
	})
	require.NoError(t, err)
	return l, sb, clk
}

func appendAll(t *testing.T, l *Log, tag string, contents ...string) []Receipt {
	t.Helper()
	var out []Receipt
	for _, c := range contents {
		r, err := l.Append(context.Background(), Entry{Tag: tag, Content: c})
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func contents(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i], _ = r.Content.(string)
	}
	return out
}

func TestAppendWritesRecordUnderMonthBucket(t *testing.T) {
	l, sb, _ := newLog(t, 0)

	r, err := l.Append(context.Background(), Entry{
		Tag:     "deploy",
		Content: map[string]any{"step": "build", "n": json.Number("3")},
		Corr:    "req-1",
		Actor:   "agent-7",
		Tool:    "artifact_log",
	})
	require.NoError(t, err)
	assert.Equal(t, "artifacts/2026-10/deploy-0001.ndjson", r.File)
	assert.Equal(t, "2026-10-19T12:30:45.123Z", r.TS)

	raw, err := os.ReadFile(filepath.Join(sb.Root(), filepath.FromSlash(r.File)))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"ts":"2026-10-19T12:30:45.123Z","tag":"deploy","corr":"req-1","actor":"agent-7","tool":"artifact_log","content":{"step":"build","n":3},"meta":null}`,
		strings.TrimSpace(string(raw)))
	assert.True(t, strings.HasSuffix(string(raw), "\n"))
}

func TestAppendOmitsEmptyOptionalFields(t *testing.T) {
	l, sb, _ := newLog(t, 0)
	r, err := l.Append(context.Background(), Entry{Tag: "t", Content: "x"})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(sb.Root(), filepath.FromSlash(r.File)))
	require.NoError(t, err)
	line := string(raw)
	for _, k := range []string{`"corr"`, `"actor"`, `"tool"`} {
		assert.NotContains(t, line, k)
	}
	assert.Contains(t, line, `"meta":null`)
}

func TestAppendRedactsEmailsBeforePersisting(t *testing.T) {
	l, sb, _ := newLog(t, 0)
	r, err := l.Append(context.Background(), Entry{
		Tag:     "pii",
		Content: map[string]any{"to": "alice@example.com", "cc": []any{"bob@corp.io", true, nil}},
		Meta:    map[string]any{"note": "from carol@x.org", "n": json.Number("1")},
		Actor:   "dave@agents.dev",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(sb.Root(), filepath.FromSlash(r.File)))
	require.NoError(t, err)
	for _, addr := range []string{"alice@example.com", "bob@corp.io", "carol@x.org", "dave@agents.dev"} {
		assert.NotContains(t, string(raw), addr)
	}
	assert.Contains(t, string(raw), "[redacted-email]")
	assert.Contains(t, string(raw), `"n":1`)
	assert.Contains(t, string(raw), `true,null`)
}

func TestAppendRedactsNonASCIIEmailsBeforePersisting(t *testing.T) {
	l, sb, _ := newLog(t, 0)
	r, err := l.Append(context.Background(), Entry{
		Tag:     "pii",
		Content: map[string]any{"to": "josé@exämple.com"},
		Meta:    map[string]any{"from": "müller@example.de"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(sb.Root(), filepath.FromSlash(r.File)))
	require.NoError(t, err)
	for _, part := range []string{"josé", "exämple", "müller", "@"} {
		assert.NotContains(t, string(raw), part)
	}
	assert.Equal(t, 2, strings.Count(string(raw), "[redacted-email]"))
}

func TestListOrdering(t *testing.T) {
	l, _, _ := newLog(t, 0)
	appendAll(t, l, "seq", "A", "B", "C")

	desc, err := l.List(context.Background(), Query{Tag: "seq", Limit: 3, Order: Desc})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, contents(desc))

	asc, err := l.List(context.Background(), Query{Tag: "seq", Limit: 3, Order: Asc})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, contents(asc))

	two, err := l.List(context.Background(), Query{Tag: "seq", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, contents(two), "default order is desc")
}

func TestListUnknownTagIsEmpty(t *testing.T) {
	l, _, _ := newLog(t, 0)
	recs, err := l.List(context.Background(), Query{Tag: "nothing-here"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRotationStartsNewFileAndLeavesOldOnesAlone(t *testing.T) {
	l, sb, _ := newLog(t, 200)

	var receipts []Receipt
	for i := 0; ; i++ {
		r := appendAll(t, l, "rot", fmt.Sprintf("record-%02d", i))[0]
		receipts = append(receipts, r)
		if r.File != "artifacts/2026-10/rot-0001.ndjson" {
			break
		}
		require.Less(t, i, 50, "rotation never happened")
	}

	last := receipts[len(receipts)-1]
	assert.Equal(t, "artifacts/2026-10/rot-0002.ndjson", last.File)

	first := filepath.Join(sb.Root(), "artifacts", "2026-10", "rot-0001.ndjson")
	info, err := os.Stat(first)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Size(), int64(200))
	before, err := os.ReadFile(first)
	require.NoError(t, err)

	// Further appends stay in the new file and never touch the old one.
	appendAll(t, l, "rot", "after-1", "after-2")
	after, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	recs, err := l.List(context.Background(), Query{Tag: "rot", Limit: 1000, Order: Asc})
	require.NoError(t, err)
	assert.Len(t, recs, len(receipts)+2)
	assert.Equal(t, "record-00", contents(recs)[0])
	assert.Equal(t, "after-2", contents(recs)[len(recs)-1])
}

func TestListOrdersAcrossRotatedFiles(t *testing.T) {
	// A threshold of one byte rotates on every append: one record per file.
	l, _, _ := newLog(t, 1)
	rs := appendAll(t, l, "many", "A", "B", "C", "D")
	assert.Equal(t, "artifacts/2026-10/many-0004.ndjson", rs[3].File)

	desc, err := l.List(context.Background(), Query{Tag: "many", Limit: 3, Order: Desc})
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "C", "B"}, contents(desc))

	asc, err := l.List(context.Background(), Query{Tag: "many", Limit: 10, Order: Asc})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, contents(asc))
}

func TestListStopsEarlyOnceLimitLinesCollected(t *testing.T) {
	l, sb, _ := newLog(t, 0)
	dir := filepath.Join(sb.Root(), "artifacts", "2026-10")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	line := func(c string) string {
		return fmt.Sprintf(`{"ts":"2026-10-01T00:00:00.000Z","tag":"edge","content":%q,"meta":null}`+"\n", c)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "edge-0001.ndjson"), []byte(line("A")+line("B")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "edge-0002.ndjson"), []byte(line("C")+line("D")+line("E")), 0o644))

	// The newest file alone satisfies the limit, so the older file is never
	// read and asc returns the oldest of the scanned lines, not A.
	asc, err := l.List(context.Background(), Query{Tag: "edge", Limit: 3, Order: Asc})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D", "E"}, contents(asc))

	desc, err := l.List(context.Background(), Query{Tag: "edge", Limit: 3, Order: Desc})
	require.NoError(t, err)
	assert.Equal(t, []string{"E", "D", "C"}, contents(desc))

	// A larger limit reaches into the older file.
	all, err := l.List(context.Background(), Query{Tag: "edge", Limit: 4, Order: Asc})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, contents(all))
}

func TestListSpansMonthBuckets(t *testing.T) {
	l, _, clk := newLog(t, 0)

	clk.Set(time.Date(2026, 8, 31, 23, 59, 59, 0, time.UTC))
	rAug := appendAll(t, l, "m", "aug")[0]
	clk.Set(time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC))
	appendAll(t, l, "m", "sep")
	clk.Set(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	appendAll(t, l, "m", "oct")
	assert.Equal(t, "artifacts/2026-08/m-0001.ndjson", rAug.File)

	recs, err := l.List(context.Background(), Query{Tag: "m", Limit: 10, Order: Desc})
	require.NoError(t, err)
	assert.Equal(t, []string{"oct", "sep", "aug"}, contents(recs))

	recent, err := l.List(context.Background(), Query{Tag: "m", Limit: 10, MonthsBack: 2, Order: Asc})
	require.NoError(t, err)
	assert.Equal(t, []string{"sep", "oct"}, contents(recent))
}

func TestListSkipsMalformedLines(t *testing.T) {
	l, sb, _ := newLog(t, 0)
	appendAll(t, l, "torn", "ok-1")
	f, err := os.OpenFile(filepath.Join(sb.Root(), "artifacts", "2026-10", "torn-0001.ndjson"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-10-19T12:30:45.123Z","content":` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	appendAll(t, l, "torn", "ok-2")

	recs, err := l.List(context.Background(), Query{Tag: "torn", Limit: 10, Order: Asc})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok-1", "ok-2"}, contents(recs))
}

func TestSanitizeTag(t *testing.T) {
	cases := map[string]string{
		"deploy":         "deploy",
		"ns:build_1-x":   "ns:build_1-x",
		"a/b c":          "a_b_c",
		"../../etc":      "______etc",
		"  padded  ":     "padded",
		"":               UntaggedTag,
		"   ":            UntaggedTag,
		"café":           "caf_",
		"x.ndjson":       "x_ndjson",
		"line\nbreak":    "line_break",
		"semi;colon|pip": "semi_colon_pip",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeTag(in), "tag %q", in)
	}
}

func TestTagsSharingAPrefixStaySeparate(t *testing.T) {
	l, _, _ := newLog(t, 0)
	appendAll(t, l, "a", "from-a")
	appendAll(t, l, "a-b", "from-a-b")
	appendAll(t, l, "a-0002", "from-a-0002")

	recs, err := l.List(context.Background(), Query{Tag: "a", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"from-a"}, contents(recs))

	r := appendAll(t, l, "a", "again")[0]
	assert.Equal(t, "artifacts/2026-10/a-0001.ndjson", r.File)
}

func TestConcurrentAppendsNeverInterleave(t *testing.T) {
	l, sb, _ := newLog(t, 4096)
	payload := strings.Repeat("z", 300)

	var g errgroup.Group
	for w := range 16 {
		g.Go(func() error {
			for i := range 25 {
				tag := "shared"
				if i%5 == 0 {
					tag = fmt.Sprintf("own-%d", w)
				}
				if _, err := l.Append(context.Background(), Entry{Tag: tag, Content: payload, Meta: map[string]any{"w": w, "i": i}}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	dir := filepath.Join(sb.Root(), "artifacts", "2026-10")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	total := 0
	sharedFiles := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "shared-") {
			sharedFiles++
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			var rec Record
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), "torn line in %s", e.Name())
			assert.Equal(t, payload, rec.Content)
			total++
		}
		require.NoError(t, sc.Err())
		require.NoError(t, f.Close())
	}
	assert.Equal(t, 16*25, total)
	assert.Greater(t, sharedFiles, 1, "shared tag should have rotated")
}

func TestArtifactsDirIsProtectedFromFileTools(t *testing.T) {
	l, sb, _ := newLog(t, 0)
	r := appendAll(t, l, "guarded", "x")[0]

	p, err := sb.Resolve(r.File)
	require.NoError(t, err)
	assert.ErrorIs(t, sb.WriteText(p, "overwrite"), sandbox.ErrProtected)
}

func TestNewRejectsSubdirOutsideSandbox(t *testing.T) {
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	_, err = New(sb, Options{Subdir: "../elsewhere"})
	assert.ErrorIs(t, err, sandbox.ErrEscape)

	_, err = New(sb, Options{Subdir: "."})
	assert.Error(t, err)
}
