package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"segkv/pkg/config"
	"segkv/pkg/db"
	"segkv/pkg/metrics"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	if err := run(os.Args[1:], 50000); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// run benchmarks a database in args[0], or in a temporary directory that
// is removed afterwards. ops is the operation count of each test.
func run(args []string, ops int) (err error) {
	dir := ""
	if len(args) > 0 {
		dir = args[0]
	} else {
		tmp, err := os.MkdirTemp("", "segkv-bench-")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	opts := config.Default()
	opts.SyncOnWrite = false
	opts.MemtableSizeLimit = 1 << 20
	opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	mc := metrics.NewMemory()
	opts.Metrics = mc

	store, err := db.Open(dir, opts)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	fmt.Println("=== segkv Benchmark ===")
	fmt.Printf("Directory: %s\n", dir)
	fmt.Println()

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", ops)
	printResult(benchmarkWrites(store, "seq", ops, 1))

	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", ops)
	printResult(benchmarkReads(store, "seq", ops, 1))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, 8 goroutines)\n", ops)
	printResult(benchmarkWrites(store, "par", ops, 8))

	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, 8 goroutines)\n", ops)
	printResult(benchmarkReads(store, "par", ops, 8))

	if err := store.Compact(context.Background()); err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	fmt.Printf("\nTest 5: Reads after full compaction (%d operations, 8 goroutines)\n", ops)
	printResult(benchmarkReads(store, "par", ops, 8))

	st := store.Stats()
	fmt.Println("\n=== Engine ===")
	fmt.Printf("  Segments per level: %v\n", st.LevelSegments)
	fmt.Printf("  Flushes: %.0f\n", mc.Counter(metrics.FlushesTotal, nil))
	fmt.Printf("  Compactions: %.0f\n", mc.Counter(metrics.CompactionsTotal, nil))
	fmt.Printf("  Write stalls: %.0f\n", mc.Counter(metrics.WriteStallsTotal, nil))

	fmt.Println("\n=== Benchmark Complete ===")
	return nil
}

func benchKey(prefix string, i int) []byte {
	return []byte(fmt.Sprintf("bench_%s_%08d", prefix, i))
}

// runParallel splits totalOps over concurrency goroutines and times every
// call of op.
func runParallel(totalOps, concurrency int, op func(i int) error) BenchmarkResult {
	start := time.Now()
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failed    int
		latencies = make([]time.Duration, 0, totalOps)
	)

	opsPerGoroutine := totalOps / concurrency
	for g := 0; g < concurrency; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			first, last := g*opsPerGoroutine, (g+1)*opsPerGoroutine
			if g == concurrency-1 {
				last = totalOps
			}
			local := make([]time.Duration, 0, last-first)
			localFailed := 0
			for i := first; i < last; i++ {
				opStart := time.Now()
				if err := op(i); err != nil {
					localFailed++
				}
				local = append(local, time.Since(opStart))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			failed += localFailed
			mu.Unlock()
		}(g)
	}
	wg.Wait()
	return summarize(totalOps, failed, time.Since(start), latencies)
}

func benchmarkWrites(store *db.DB, prefix string, totalOps, concurrency int) BenchmarkResult {
	value := make([]byte, 100)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	return runParallel(totalOps, concurrency, func(i int) error {
		return store.Put(benchKey(prefix, i), value)
	})
}

func benchmarkReads(store *db.DB, prefix string, totalOps, concurrency int) BenchmarkResult {
	return runParallel(totalOps, concurrency, func(i int) error {
		_, err := store.Get(benchKey(prefix, i))
		return err
	})
}

func summarize(totalOps, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: totalOps - failed,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(totalOps-failed) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}

	slices.Sort(latencies)
	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.P99Latency = latencies[len(latencies)*99/100]
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
