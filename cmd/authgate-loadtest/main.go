package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authgate"
)

type subjectState struct {
	subject string
	access  string
	mu      sync.Mutex
	refresh string
}

func main() {
	var (
		subjects    = flag.Int("subjects", 10000, "number of subjects to issue tokens for")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (check, verify, refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "agload", "store key prefix")
		sliding     = flag.Bool("sliding", false, "use the sliding window strategy for the check phase")
	)
	flag.Parse()

	if *subjects <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "subjects, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	cfg := authgate.DefaultConfig()
	cfg.Store.Prefix = *prefix
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("loadtest-signing-key-0123456789ab")
	load := authgate.Policy{Window: time.Minute, MaxRequests: int64(*ops)}
	if *sliding {
		load.Strategy = authgate.SlidingWindow
	}
	cfg.RateLimit.Overrides = map[string]authgate.Policy{"load": load}

	engine, err := authgate.New().WithConfig(cfg).WithRedis(client).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states := make([]subjectState, *subjects)
	fmt.Printf("issuing %d token pairs...\n", *subjects)
	startSeed := time.Now()
	for i := range states {
		subject := fmt.Sprintf("s%d", i)
		pair, err := engine.Issue(ctx, authgate.Identity{SubjectID: subject, Role: "member"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue failed: %v\n", err)
			os.Exit(1)
		}
		states[i] = subjectState{subject: subject, access: pair.AccessToken, refresh: pair.RefreshToken}
	}
	fmt.Printf("issued in %s\n", time.Since(startSeed).Round(time.Millisecond))

	checkStats := runPhase(*ops, *concurrency, 7919, func(r *rand.Rand, _ int) error {
		s := &states[r.Intn(len(states))]
		res, err := engine.Check(ctx, "user:"+s.subject, "load")
		if err == nil && !res.Allowed {
			return authgate.ErrRateLimited
		}
		return err
	})
	verifyStats := runPhase(*ops, *concurrency, 104729, func(r *rand.Rand, _ int) error {
		_, err := engine.VerifyAccess(ctx, states[r.Intn(len(states))].access, "")
		return err
	})
	refreshStats := runPhase(*ops, *concurrency, 6151, func(r *rand.Rand, _ int) error {
		s := &states[r.Intn(len(states))]
		s.mu.Lock()
		defer s.mu.Unlock()
		pair, err := engine.Refresh(ctx, s.refresh, "")
		if err != nil {
			return err
		}
		s.refresh = pair.RefreshToken
		return nil
	})

	fmt.Println("---- results ----")
	printStats("check", checkStats)
	printStats("verify", verifyStats)
	printStats("refresh", refreshStats)
}

// runPhase runs ops calls of op across concurrency workers and records each latency.
func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
