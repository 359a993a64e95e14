package db_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segkv/pkg/batch"
	"segkv/pkg/config"
	"segkv/pkg/db"
	"segkv/pkg/dberrors"
	"segkv/pkg/metrics"
)

func testOptions() *config.Options {
	opts := config.Default()
	opts.SyncOnWrite = false
	opts.BackgroundFlush = false
	opts.DisableAutoCompaction = true
	opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func openDB(t *testing.T, dir string, opts *config.Options) *db.DB {
	t.Helper()
	d, err := db.Open(dir, opts)
	require.NoError(t, err)
	return d
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%05d", i))
}

// contents returns every live pair visible through a full scan.
func contents(t *testing.T, d *db.DB) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := d.Scan(context.Background(), db.ScanOptions{}, func(k, v []byte) error {
		out[string(k)] = string(v)
		return nil
	})
	require.NoError(t, err)
	return out
}

func assertGet(t *testing.T, d *db.DB, k, want string) {
	t.Helper()
	got, err := d.Get([]byte(k))
	require.NoError(t, err, "key %s", k)
	assert.Equal(t, want, string(got), "key %s", k)
}

func assertMissing(t *testing.T, d *db.DB, k string) {
	t.Helper()
	_, err := d.Get([]byte(k))
	assert.ErrorIs(t, err, dberrors.ErrNotFound, "key %s", k)
}

// applyWorkload writes a mix of puts, overwrites and deletes and returns
// the expected final state.
func applyWorkload(t *testing.T, d *db.DB, n int) map[string]string {
	t.Helper()
	want := map[string]string{}
	for i := 0; i < n; i++ {
		v := fmt.Sprintf("v1-%d", i)
		require.NoError(t, d.Put(key(i), []byte(v)))
		want[string(key(i))] = v
	}
	for i := 0; i < n; i += 3 {
		v := fmt.Sprintf("v2-%d", i)
		require.NoError(t, d.Put(key(i), []byte(v)))
		want[string(key(i))] = v
	}
	for i := 1; i < n; i += 5 {
		require.NoError(t, d.Delete(key(i)))
		delete(want, string(key(i)))
	}
	b := batch.New()
	b.Put([]byte("batch-a"), []byte("1"))
	b.Delete(key(0))
	b.Put([]byte("batch-b"), []byte("2"))
	require.NoError(t, d.Write(b))
	want["batch-a"] = "1"
	want["batch-b"] = "2"
	delete(want, string(key(0)))
	return want
}

func TestExampleScenario(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()

	require.NoError(t, d.Put([]byte("k1"), []byte("v1")))
	assertGet(t, d, "k1", "v1")

	b := batch.New()
	b.Delete([]byte("k1"))
	b.Put([]byte("k2"), []byte("v1"))
	require.NoError(t, d.Write(b))

	assertMissing(t, d, "k1")
	assertGet(t, d, "k2", "v1")
}

func TestGetReturnsCopy(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()

	require.NoError(t, d.Put([]byte("k"), []byte("value")))
	got, err := d.Get([]byte("k"))
	require.NoError(t, err)
	got[0] = 'X'
	assertGet(t, d, "k", "value")
}

func TestEmptyValueIsNotDeletion(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()

	require.NoError(t, d.Put([]byte("k"), nil))
	got, err := d.Get([]byte("k"))
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, d.Flush(context.Background()))
	got, err = d.Get([]byte("k"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInvalidArguments(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()

	assert.ErrorIs(t, d.Put(nil, []byte("v")), dberrors.ErrInvalidArgument)
	assert.ErrorIs(t, d.Delete([]byte{}), dberrors.ErrInvalidArgument)
	_, err := d.Get(nil)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	b := batch.New()
	b.Put([]byte("ok"), []byte("v"))
	b.Put(nil, []byte("v"))
	assert.ErrorIs(t, d.Write(b), dberrors.ErrInvalidArgument)
	assertMissing(t, d, "ok")

	_, err = d.NewIterator(&db.IterOptions{Lower: []byte("b"), Upper: []byte("a")})
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()

	before := d.Stats().LastSequence
	require.NoError(t, d.Write(batch.New()))
	require.NoError(t, d.Write(nil))
	assert.Equal(t, before, d.Stats().LastSequence)
}

func TestClosedDatabase(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	require.NoError(t, d.Put([]byte("k"), []byte("v")))
	require.NoError(t, d.Close())

	assert.ErrorIs(t, d.Put([]byte("k"), []byte("v")), dberrors.ErrClosed)
	assert.ErrorIs(t, d.Delete([]byte("k")), dberrors.ErrClosed)
	_, err := d.Get([]byte("k"))
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	_, err = d.NewIterator(nil)
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.ErrorIs(t, d.Flush(context.Background()), dberrors.ErrClosed)
	assert.ErrorIs(t, d.Compact(context.Background()), dberrors.ErrClosed)
	assert.ErrorIs(t, d.Close(), dberrors.ErrClosed)
}

func TestOpenMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")

	opts := testOptions()
	opts.CreateIfMissing = false
	_, err := db.Open(dir, opts)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	assert.NoDirExists(t, dir)

	opts.CreateIfMissing = true
	d := openDB(t, dir, opts)
	require.NoError(t, d.Close())
	assert.FileExists(t, filepath.Join(dir, "MANIFEST"))
}

func TestOpenRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := db.Open(path, testOptions())
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.CompactionSizeMultiplier = 0.5
	_, err := db.Open(t.TempDir(), opts)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestRestartReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir, testOptions())
	want := applyWorkload(t, d, 300)
	last := d.Stats().LastSequence
	require.NoError(t, d.Close())

	d = openDB(t, dir, testOptions())
	defer d.Close()
	assert.Equal(t, want, contents(t, d))
	assert.Equal(t, last, d.Stats().LastSequence)

	// new writes continue the sequence
	require.NoError(t, d.Put([]byte("after"), []byte("x")))
	assert.Equal(t, last+1, d.Stats().LastSequence)
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemtableSizeLimit = 8 << 10

	d := openDB(t, dir, opts)
	want := applyWorkload(t, d, 500)
	require.Positive(t, d.Stats().LevelSegments[0], "workload should have flushed")
	d.Abandon()

	d = openDB(t, dir, opts)
	assert.Equal(t, want, contents(t, d))
	for k, v := range want {
		assertGet(t, d, k, v)
	}
	d.Abandon()

	// recovering twice must not duplicate or lose anything
	d = openDB(t, dir, opts)
	defer d.Close()
	assert.Equal(t, want, contents(t, d))
}

func TestBatchAtomicityUnderTornWrite(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.SyncOnWrite = true

	d := openDB(t, dir, opts)
	require.NoError(t, d.Put([]byte("k1"), []byte("v0")))

	b := batch.New()
	b.Delete([]byte("k1"))
	b.Put([]byte("k2"), []byte("v1"))
	require.NoError(t, d.Write(b))

	path := d.WALPath()
	d.Abandon()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	d = openDB(t, dir, opts)
	assertGet(t, d, "k1", "v0")
	assertMissing(t, d, "k2")

	require.NoError(t, d.Put([]byte("k3"), []byte("v3")))
	require.NoError(t, d.Close())

	d = openDB(t, dir, opts)
	defer d.Close()
	assertGet(t, d, "k1", "v0")
	assertMissing(t, d, "k2")
	assertGet(t, d, "k3", "v3")
}

func TestBatchAppliedWholeAfterCrash(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir, testOptions())
	require.NoError(t, d.Put([]byte("k1"), []byte("v0")))

	b := batch.New()
	b.Delete([]byte("k1"))
	b.Put([]byte("k2"), []byte("v1"))
	require.NoError(t, d.Write(b))
	d.Abandon()

	d = openDB(t, dir, testOptions())
	defer d.Close()
	assertMissing(t, d, "k1")
	assertGet(t, d, "k2", "v1")
}

func TestMidFileWALCorruptionRefusesOpen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.SyncOnWrite = true

	d := openDB(t, dir, opts)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Put(key(i), []byte("value")))
	}
	path := d.WALPath()
	d.Abandon()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = db.Open(dir, opts)
	assert.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestCorruptWALLengthRefusesOpen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.SyncOnWrite = true

	d := openDB(t, dir, opts)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Put(key(i), []byte("value")))
	}
	path := d.WALPath()
	d.Abandon()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Frame header: crc, length, length crc.
	second := 12 + int(binary.LittleEndian.Uint32(raw[4:8]))
	binary.LittleEndian.PutUint32(raw[second+4:], 0x7fffffff)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = db.Open(dir, opts)
	assert.ErrorIs(t, err, dberrors.ErrCorruption)

	_, err = os.Stat(path)
	assert.NoError(t, err, "damaged WAL must be kept")
}

func TestNewestVersionWinsAcrossMemtableAndSegments(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()
	ctx := context.Background()

	require.NoError(t, d.Put([]byte("a"), []byte("a1")))
	require.NoError(t, d.Put([]byte("b"), []byte("b1")))
	require.NoError(t, d.Put([]byte("c"), []byte("c1")))
	require.NoError(t, d.Flush(ctx))

	require.NoError(t, d.Put([]byte("a"), []byte("a2")))
	require.NoError(t, d.Put([]byte("b"), []byte("b2")))
	require.NoError(t, d.Delete([]byte("c")))
	require.NoError(t, d.Flush(ctx))

	require.NoError(t, d.Put([]byte("a"), []byte("a3")))
	require.NoError(t, d.Put([]byte("d"), []byte("d1")))

	assert.Equal(t, 2, d.Stats().LevelSegments[0])
	assertGet(t, d, "a", "a3")
	assertGet(t, d, "b", "b2")
	assertMissing(t, d, "c")
	assertGet(t, d, "d", "d1")

	assert.Equal(t, map[string]string{"a": "a3", "b": "b2", "d": "d1"}, contents(t, d))
}

func TestBatchRoundTripThroughIterator(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()

	b := batch.New()
	b.Put([]byte("z"), []byte("1"))
	b.Put([]byte("x"), []byte("1"))
	b.Put([]byte("y"), []byte("1"))
	b.Put([]byte("x"), []byte("2"))
	b.Delete([]byte("y"))
	b.Put([]byte("w\x00"), []byte("bin\x00ary"))
	require.NoError(t, d.Write(b))

	it, err := d.NewIterator(nil)
	require.NoError(t, err)
	defer it.Close()

	var got [][2]string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	assert.Equal(t, [][2]string{{"w\x00", "bin\x00ary"}, {"x", "2"}, {"z", "1"}}, got)
}

func TestDeleteSurvivesCompaction(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir, testOptions())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, d.Put(key(i), []byte("v")))
	}
	require.NoError(t, d.Flush(ctx))
	for i := 0; i < 50; i += 2 {
		require.NoError(t, d.Delete(key(i)))
	}
	require.NoError(t, d.Flush(ctx))

	require.NoError(t, d.Compact(ctx))
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			assertMissing(t, d, string(key(i)))
		} else {
			assertGet(t, d, string(key(i)), "v")
		}
	}

	st := d.Stats()
	last := len(st.LevelSegments) - 1
	assert.Equal(t, 1, st.LevelSegments[last])
	for l := 0; l < last; l++ {
		assert.Zero(t, st.LevelSegments[l], "level %d", l)
	}
	require.NoError(t, d.Close())

	d = openDB(t, dir, testOptions())
	defer d.Close()
	assertMissing(t, d, string(key(0)))
	assertGet(t, d, string(key(1)), "v")
	assert.Len(t, contents(t, d), 25)
}

func TestCompactionIsIdempotent(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()
	ctx := context.Background()

	want := applyWorkload(t, d, 200)
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Put(key(7), []byte("late")))
	want[string(key(7))] = "late"

	require.NoError(t, d.Compact(ctx))
	once := contents(t, d)
	onceStats := d.Stats()

	require.NoError(t, d.Compact(ctx))
	assert.Equal(t, once, contents(t, d))
	assert.Equal(t, want, once)
	assert.Equal(t, onceStats.LevelSegments, d.Stats().LevelSegments)
}

func TestCompactEmptyDatabase(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()
	require.NoError(t, d.Compact(context.Background()))
}

func TestObsoleteFilesRemoved(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir, testOptions())
	defer d.Close()
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for i := 0; i < 20; i++ {
			require.NoError(t, d.Put(key(i), []byte(fmt.Sprint(round))))
		}
		require.NoError(t, d.Flush(ctx))
	}
	require.NoError(t, d.Compact(ctx))

	var segs, logs int
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".seg":
			segs++
		case ".log":
			logs++
		case ".tmp":
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
	assert.Equal(t, 1, segs)
	assert.Equal(t, 1, logs)
}

func TestIteratorIsSnapshot(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Put(key(i), []byte("old")))
	}
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Put(key(3), []byte("mem")))

	it, err := d.NewIterator(nil)
	require.NoError(t, err)
	defer it.Close()

	// changes after the iterator was created, including a compaction that
	// replaces the segment it reads from, stay invisible
	require.NoError(t, d.Put(key(4), []byte("new")))
	require.NoError(t, d.Delete(key(5)))
	require.NoError(t, d.Put([]byte("zzz"), []byte("new")))
	require.NoError(t, d.Compact(ctx))

	got := map[string]string{}
	for it.First(); it.Valid(); it.Next() {
		got[string(it.Key())] = string(it.Value())
	}
	require.NoError(t, it.Err())
	assert.Len(t, got, 10)
	assert.Equal(t, "mem", got[string(key(3))])
	assert.Equal(t, "old", got[string(key(4))])
	assert.Equal(t, "old", got[string(key(5))])
}

func TestIteratorBoundsAndSeek(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, d.Put(key(i), []byte("v")))
	}
	require.NoError(t, d.Flush(context.Background()))

	it, err := d.NewIterator(&db.IterOptions{Lower: key(5), Upper: key(10)})
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"key-00005", "key-00006", "key-00007", "key-00008", "key-00009"}, keys)

	it.Seek(key(1))
	require.True(t, it.Valid())
	assert.Equal(t, "key-00005", string(it.Key()))

	it.Seek(key(8))
	require.True(t, it.Valid())
	assert.Equal(t, "key-00008", string(it.Key()))

	it.Seek(key(10))
	assert.False(t, it.Valid())

	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.False(t, it.Valid())
}

func TestScan(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()

	for _, k := range []string{"app", "apple", "apricot", "banana", "ap"} {
		require.NoError(t, d.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, d.Delete([]byte("apricot")))

	collect := func(opts db.ScanOptions) []string {
		var out []string
		require.NoError(t, d.Scan(context.Background(), opts, func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		}))
		return out
	}

	assert.Equal(t, []string{"ap", "app", "apple"}, collect(db.ScanOptions{Prefix: []byte("ap")}))
	assert.Equal(t, []string{"app", "apple"}, collect(db.ScanOptions{Prefix: []byte("app")}))
	assert.Equal(t, []string{"ap", "app"}, collect(db.ScanOptions{Limit: 2}))
	assert.Empty(t, collect(db.ScanOptions{Prefix: []byte("c")}))

	stop := errors.New("stop")
	err := d.Scan(context.Background(), db.ScanOptions{}, func(_, _ []byte) error { return stop })
	assert.ErrorIs(t, err, stop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = d.Scan(ctx, db.ScanOptions{}, func(_, _ []byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSynchronousFlushOnFullMemtable(t *testing.T) {
	opts := testOptions()
	opts.MemtableSizeLimit = 4 << 10

	d := openDB(t, t.TempDir(), opts)
	defer d.Close()

	for i := 0; i < 1000; i++ {
		require.NoError(t, d.Put(key(i), []byte("some value of moderate length")))
	}
	st := d.Stats()
	assert.Zero(t, st.ImmutableMemtables)
	assert.Greater(t, st.LevelSegments[0], 1)
	assert.Less(t, st.MemtableBytes, int64(8<<10))

	for i := 0; i < 1000; i += 97 {
		assertGet(t, d, string(key(i)), "some value of moderate length")
	}
}

func TestBackgroundFlush(t *testing.T) {
	opts := testOptions()
	opts.BackgroundFlush = true
	opts.MemtableSizeLimit = 4 << 10
	opts.MaxImmutableMemtables = 1

	d := openDB(t, t.TempDir(), opts)
	defer d.Close()

	for i := 0; i < 2000; i++ {
		require.NoError(t, d.Put(key(i), []byte("background")))
	}
	require.NoError(t, d.Flush(context.Background()))

	st := d.Stats()
	assert.Zero(t, st.ImmutableMemtables)
	assert.Positive(t, st.LevelSegments[0])
	assert.Len(t, contents(t, d), 2000)
}

func TestWALAppendFailureLeavesStateUnchanged(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Abandon()

	require.NoError(t, d.Put([]byte("k1"), []byte("v1")))
	before := d.Stats()

	require.NoError(t, d.SwitchWAL(func(path string) error {
		return os.Symlink("/dev/full", path)
	}))

	err := d.Put([]byte("k2"), []byte("v2"))
	require.ErrorIs(t, err, dberrors.ErrIO)

	after := d.Stats()
	assert.Equal(t, before.LastSequence, after.LastSequence)
	assert.Equal(t, before.VisibleSequence, after.VisibleSequence)
	assert.Equal(t, before.MemtableBytes, after.MemtableBytes)
	assertMissing(t, d, "k2")
	assertGet(t, d, "k1", "v1")

	// The log may hold a torn frame, so nothing is appended after it.
	err = d.Put([]byte("k3"), []byte("v3"))
	assert.ErrorIs(t, err, dberrors.ErrIO)
	assertMissing(t, d, "k3")
	assert.Equal(t, before.LastSequence, d.Stats().LastSequence)
}

func TestBackgroundFlushFailureIsSticky(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.BackgroundFlush = true
	opts.MemtableSizeLimit = 1 << 10
	opts.MaxImmutableMemtables = 1

	d := openDB(t, dir, opts)

	// Occupy the names of the next segment files so the flush cannot
	// create them.
	next := d.NewFileNumber()
	var blockers []string
	for i := uint64(1); i <= 32; i++ {
		p := filepath.Join(dir, fmt.Sprintf("%06d.seg", next+i))
		require.NoError(t, os.Mkdir(p, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(p, "keep"), nil, 0o644))
		blockers = append(blockers, p)
	}

	value := make([]byte, 100)
	written := 0
	var err error
	for ; written < 1000; written++ {
		if err = d.Put(key(written), value); err != nil {
			break
		}
	}
	require.Error(t, err, "writes must fail once the background flush fails")
	assert.ErrorIs(t, err, dberrors.ErrIO)
	assert.Less(t, written, 1000)

	err = d.Put([]byte("after"), value)
	assert.ErrorIs(t, err, dberrors.ErrIO)

	for i := 0; i < written; i++ {
		got, err := d.Get(key(i))
		require.NoError(t, err, "key %d", i)
		assert.Equal(t, value, got)
	}
	assertMissing(t, d, "after")
	_ = d.Close()

	for _, p := range blockers {
		require.NoError(t, os.RemoveAll(p))
	}
	d = openDB(t, dir, opts)
	defer d.Close()
	for i := 0; i < written; i++ {
		got, err := d.Get(key(i))
		require.NoError(t, err, "key %d", i)
		assert.Equal(t, value, got)
	}
}

func TestBloomAndCacheDisabled(t *testing.T) {
	opts := testOptions()
	opts.BloomBitsPerKey = config.Disabled
	opts.BlockCacheCapacity = config.Disabled

	d := openDB(t, t.TempDir(), opts)
	defer d.Close()

	for i := 0; i < 200; i++ {
		require.NoError(t, d.Put(key(i), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, d.Flush(context.Background()))
	require.Positive(t, d.Stats().LevelSegments[0])

	for i := 0; i < 200; i++ {
		assertGet(t, d, string(key(i)), fmt.Sprintf("v%d", i))
	}
	assertMissing(t, d, "absent")
}

func TestAutoCompaction(t *testing.T) {
	opts := testOptions()
	opts.DisableAutoCompaction = false
	opts.CompactionFanoutThreshold = 2
	opts.CompactionRetryBackoff = time.Millisecond
	opts.MemtableSizeLimit = 2 << 10

	d := openDB(t, t.TempDir(), opts)
	defer d.Close()

	want := map[string]string{}
	for i := 0; i < 1500; i++ {
		k := key(i % 300)
		v := fmt.Sprintf("v%d", i)
		require.NoError(t, d.Put(k, []byte(v)))
		want[string(k)] = v
	}
	require.NoError(t, d.Flush(context.Background()))

	require.Eventually(t, func() bool {
		return d.Stats().LevelSegments[0] <= opts.CompactionFanoutThreshold
	}, 5*time.Second, 10*time.Millisecond)

	st := d.Stats()
	deeper := 0
	for _, n := range st.LevelSegments[1:] {
		deeper += n
	}
	assert.Positive(t, deeper)
	assert.Equal(t, want, contents(t, d))
}

func TestStatsAndMetrics(t *testing.T) {
	mc := metrics.NewMemory()
	opts := testOptions()
	opts.Metrics = mc

	d := openDB(t, t.TempDir(), opts)
	defer d.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Put(key(i), []byte("v")))
	}
	b := batch.New()
	b.Put([]byte("x"), []byte("1"))
	b.Put([]byte("y"), []byte("2"))
	require.NoError(t, d.Write(b))

	st := d.Stats()
	assert.Equal(t, uint64(12), st.LastSequence)
	assert.Equal(t, st.LastSequence, st.VisibleSequence)
	assert.Positive(t, st.MemtableBytes)
	assert.Len(t, st.LevelSegments, opts.MaxLevels)

	require.NoError(t, d.Flush(context.Background()))
	st = d.Stats()
	assert.Equal(t, 1, st.LevelSegments[0])
	assert.Positive(t, st.LevelBytes[0])

	assert.Equal(t, float64(12), mc.Counter(metrics.WritesTotal, nil))
	assert.Positive(t, mc.Counter(metrics.WALBytesTotal, nil))
	assert.Equal(t, float64(1), mc.Counter(metrics.FlushesTotal, nil))
	assert.Len(t, mc.Observations(metrics.FlushSeconds, nil), 1)
	assert.Equal(t, float64(1), mc.Gauge(metrics.SegmentsGauge, map[string]string{"level": "0"}))
}

func TestSnapshot(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	defer d.Close()
	ctx := context.Background()

	require.NoError(t, d.Put([]byte("a"), []byte("1")))
	require.NoError(t, d.Put([]byte("b"), []byte("1")))
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Put([]byte("c"), []byte("1")))

	snap, err := d.NewSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Sequence())

	require.NoError(t, d.Put([]byte("a"), []byte("2")))
	require.NoError(t, d.Delete([]byte("b")))
	require.NoError(t, d.Put([]byte("d"), []byte("2")))
	require.NoError(t, d.Compact(ctx))

	got, err := snap.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
	got, err = snap.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
	_, err = snap.Get([]byte("d"))
	assert.ErrorIs(t, err, dberrors.ErrNotFound)

	it, err := snap.NewIterator(nil)
	require.NoError(t, err)
	require.NoError(t, snap.Close())

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	_, err = snap.Get([]byte("a"))
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	require.NoError(t, snap.Close())

	assertGet(t, d, "a", "2")
	assertMissing(t, d, "b")
}
