// Package main provides incremental load testing for the nodex client pool
// and server. Virtual clients are added step by step while every request
// outcome is tracked, so connections dropped without an HTTP status show
// up as failures.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/david-hosier/node.x/internal/logging"
	"github.com/david-hosier/node.x/pkg/nodex"
)

// IncrementalLoadTestConfig defines the configuration for incremental load tests
type IncrementalLoadTestConfig struct {
	Host string
	Port int

	// Shared makes every virtual client issue requests through one pooled
	// client capped at PoolSize connections. Otherwise each virtual client
	// owns a client with a single connection.
	Shared   bool
	PoolSize int

	RampUpInterval time.Duration // Time between adding new clients
	ClientsPerStep int           // Number of clients to add each step
	TestDuration   time.Duration // Total test duration
	RequestTimeout time.Duration // Per-request timeout
	RequestDelay   time.Duration // Delay between requests per client
	BodySize       int           // Response body size served by the handler
}

// IncrementalLoadTestResult contains the results of an incremental load test
type IncrementalLoadTestResult struct {
	Mode               string
	TestDuration       time.Duration
	TotalSteps         int
	MaxClients         int
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	DroppedConnections int64
	TimedOut           int64
	StatusCodes        map[int]int64
	Steps              []StepResult
	MaxRPS             float64
	MaxClientsAtMaxRPS int
}

// StepResult contains the results for a single step
type StepResult struct {
	StepNumber        int
	ClientCount       int
	TimeElapsed       time.Duration
	Requests          int64
	Successful        int64
	RequestsPerSecond float64
	SuccessRate       float64
}

// outcome is the result of a single request. status 0 means the request
// failed without a response.
type outcome struct {
	status  int
	timeout bool
}

// IncrementalLoadTestRunner manages the incremental load test
type IncrementalLoadTestRunner struct {
	config IncrementalLoadTestConfig
	logger *zap.Logger
	server *nodex.Server
	shared *nodex.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	result    *IncrementalLoadTestResult
	clients   []*nodex.Client
	active    atomic.Int64
	requests  atomic.Int64
	successes atomic.Int64
	startTime time.Time
}

// NewIncrementalLoadTestRunner creates a new incremental load test runner
func NewIncrementalLoadTestRunner(config IncrementalLoadTestConfig, logger *zap.Logger) *IncrementalLoadTestRunner {
	ctx, cancel := context.WithCancel(context.Background())
	mode := "dedicated"
	if config.Shared {
		mode = fmt.Sprintf("shared (pool %d)", config.PoolSize)
	}
	return &IncrementalLoadTestRunner{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		result: &IncrementalLoadTestResult{
			Mode:        mode,
			StatusCodes: make(map[int]int64),
		},
	}
}

// StartServer starts a nodex server answering every request with a fixed body.
func (ltr *IncrementalLoadTestRunner) StartServer() error {
	config := nodex.DefaultServerConfig()
	config.Logger = ltr.logger
	srv, err := nodex.NewServer(config)
	if err != nil {
		return err
	}
	body := make([]byte, ltr.config.BodySize)
	for i := range body {
		body[i] = 'x'
	}
	srv.RequestHandler(func(req *nodex.ServerRequest) {
		_ = req.Response().PutHeader("Content-Type", "text/plain").EndWith(body)
	})
	if err := srv.Listen(ltr.config.Port, ltr.config.Host); err != nil {
		return err
	}
	ltr.server = srv
	return nil
}

// StopServer stops the server and every client.
func (ltr *IncrementalLoadTestRunner) StopServer() error {
	ltr.mu.Lock()
	clients := ltr.clients
	ltr.clients = nil
	ltr.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}
	if ltr.shared != nil {
		_ = ltr.shared.Close()
	}
	if ltr.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ltr.server.Shutdown(ctx)
}

func (ltr *IncrementalLoadTestRunner) newClient(poolSize int) (*nodex.Client, error) {
	config := nodex.DefaultClientConfig()
	config.Host = ltr.config.Host
	config.Port = ltr.config.Port
	config.MaxPoolSize = poolSize
	config.ConnectTimeout = ltr.config.RequestTimeout
	config.Logger = ltr.logger
	return nodex.NewClient(config)
}

// RunIncrementalLoadTest executes the incremental load test
func (ltr *IncrementalLoadTestRunner) RunIncrementalLoadTest() (*IncrementalLoadTestResult, error) {
	ltr.startTime = time.Now()

	if err := ltr.StartServer(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}
	defer func() {
		_ = ltr.StopServer()
	}()

	if ltr.config.Shared {
		c, err := ltr.newClient(ltr.config.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("create client: %w", err)
		}
		ltr.shared = c
	}

	totalSteps := int(ltr.config.TestDuration / ltr.config.RampUpInterval)
	ltr.result.TotalSteps = totalSteps
	ltr.result.MaxClients = totalSteps * ltr.config.ClientsPerStep

	go ltr.measure()
	ltr.runIncrementalLoad()

	ltr.cancel()
	ltr.wg.Wait()

	ltr.result.TestDuration = time.Since(ltr.startTime)
	return ltr.result, nil
}

// measure samples the success rate once per second.
func (ltr *IncrementalLoadTestRunner) measure() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := time.Now()
	var lastSuccesses int64
	for {
		select {
		case <-ltr.ctx.Done():
			return
		case now := <-ticker.C:
			successes := ltr.successes.Load()
			rps := float64(successes-lastSuccesses) / now.Sub(last).Seconds()
			lastSuccesses, last = successes, now

			ltr.mu.Lock()
			if rps > ltr.result.MaxRPS {
				ltr.result.MaxRPS = rps
				ltr.result.MaxClientsAtMaxRPS = int(ltr.active.Load())
			}
			ltr.mu.Unlock()
		}
	}
}

// runIncrementalLoad adds clients every ramp interval until the test
// duration elapses.
func (ltr *IncrementalLoadTestRunner) runIncrementalLoad() {
	ticker := time.NewTicker(ltr.config.RampUpInterval)
	defer ticker.Stop()
	deadline := time.After(ltr.config.TestDuration)

	step := 0
	for {
		select {
		case <-deadline:
			return
		case <-ticker.C:
			step++
			for i := 0; i < ltr.config.ClientsPerStep; i++ {
				if err := ltr.startClient(); err != nil {
					ltr.logger.Warn("failed to start client", zap.Error(err))
				}
			}
			ltr.recordStep(step)
		}
	}
}

func (ltr *IncrementalLoadTestRunner) startClient() error {
	client := ltr.shared
	if client == nil {
		c, err := ltr.newClient(1)
		if err != nil {
			return err
		}
		ltr.mu.Lock()
		ltr.clients = append(ltr.clients, c)
		ltr.mu.Unlock()
		client = c
	}
	ltr.active.Add(1)
	ltr.wg.Add(1)
	go ltr.runClient(client)
	return nil
}

// runClient issues requests back to back until the test is cancelled.
func (ltr *IncrementalLoadTestRunner) runClient(client *nodex.Client) {
	defer ltr.wg.Done()
	for {
		select {
		case <-ltr.ctx.Done():
			return
		default:
		}
		ltr.track(ltr.request(client))
		if ltr.config.RequestDelay > 0 {
			time.Sleep(ltr.config.RequestDelay)
		}
	}
}

// request sends one GET and waits for the full response.
func (ltr *IncrementalLoadTestRunner) request(client *nodex.Client) outcome {
	done := make(chan outcome, 1)
	finish := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}
	req := client.Get("/", func(resp *nodex.ClientResponse, err error) {
		if err != nil {
			ltr.logger.Debug("request failed", zap.Error(err))
			finish(outcome{})
			return
		}
		resp.ExceptionHandler(func(err error) {
			ltr.logger.Debug("response failed", zap.Error(err))
			finish(outcome{})
		})
		resp.EndHandler(func() { finish(outcome{status: resp.StatusCode()}) })
	})
	if err := req.End(); err != nil {
		return outcome{}
	}

	timer := time.NewTimer(ltr.config.RequestTimeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o
	case <-timer.C:
		return outcome{timeout: true}
	}
}

func (ltr *IncrementalLoadTestRunner) track(o outcome) {
	ltr.requests.Add(1)
	if o.status == 200 {
		ltr.successes.Add(1)
	}

	ltr.mu.Lock()
	defer ltr.mu.Unlock()
	ltr.result.TotalRequests++
	ltr.result.StatusCodes[o.status]++
	switch {
	case o.status == 200:
		ltr.result.SuccessfulRequests++
	case o.timeout:
		ltr.result.FailedRequests++
		ltr.result.TimedOut++
	case o.status == 0:
		ltr.result.FailedRequests++
		ltr.result.DroppedConnections++
	default:
		ltr.result.FailedRequests++
	}
}

// recordStep snapshots cumulative counters after a ramp step.
func (ltr *IncrementalLoadTestRunner) recordStep(step int) {
	elapsed := time.Since(ltr.startTime)
	requests := ltr.requests.Load()
	successes := ltr.successes.Load()

	sr := StepResult{
		StepNumber:  step,
		ClientCount: int(ltr.active.Load()),
		TimeElapsed: elapsed,
		Requests:    requests,
		Successful:  successes,
	}
	if elapsed > 0 {
		sr.RequestsPerSecond = float64(successes) / elapsed.Seconds()
	}
	if requests > 0 {
		sr.SuccessRate = float64(successes) / float64(requests) * 100
	}

	ltr.mu.Lock()
	ltr.result.Steps = append(ltr.result.Steps, sr)
	ltr.mu.Unlock()
}

// PrintResults prints the summarized test results
func (ltr *IncrementalLoadTestRunner) PrintResults() {
	r := ltr.result
	fmt.Printf("\n=== Incremental Load Test Results ===\n")
	fmt.Printf("Mode: %s\n", r.Mode)
	fmt.Printf("Test Duration: %v\n", r.TestDuration)
	fmt.Printf("Max Clients: %d\n", r.MaxClients)
	fmt.Printf("Max RPS: %.0f (at %d clients)\n", r.MaxRPS, r.MaxClientsAtMaxRPS)
	fmt.Printf("Total Requests: %d\n", r.TotalRequests)
	fmt.Printf("Successful Requests: %d\n", r.SuccessfulRequests)
	fmt.Printf("Failed Requests: %d\n", r.FailedRequests)
	fmt.Printf("Dropped Connections: %d\n", r.DroppedConnections)
	fmt.Printf("Timed Out: %d\n", r.TimedOut)

	fmt.Printf("\n=== Key Performance Milestones ===\n")
	for _, target := range []int{10, 50, 100, 500, 1000} {
		if target > r.MaxClients {
			break
		}
		for _, step := range r.Steps {
			if step.ClientCount >= target {
				fmt.Printf("  %d clients: %.1f RPS, %.1f%% success\n",
					step.ClientCount, step.RequestsPerSecond, step.SuccessRate)
				break
			}
		}
	}

	fmt.Printf("\n=== Status Code Distribution ===\n")
	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := r.StatusCodes[code]
		percentage := float64(0)
		if r.TotalRequests > 0 {
			percentage = float64(count) / float64(r.TotalRequests) * 100
		}
		fmt.Printf("  %d: %d (%.2f%%)\n", code, count, percentage)
	}

	fmt.Printf("\n=== Test Validation ===\n")
	if r.DroppedConnections > 0 {
		fmt.Printf("TEST FAILED: %d requests ended without an HTTP response\n", r.DroppedConnections)
		return
	}
	fmt.Printf("TEST PASSED: every request received an HTTP response\n")
}

func main() {
	var (
		host           = flag.String("host", "127.0.0.1", "Listen and connect host")
		port           = flag.Int("port", 8080, "Listen and connect port")
		shared         = flag.Bool("shared", true, "Share one pooled client between virtual clients")
		poolSize       = flag.Int("pool", 16, "Connection cap of the shared client")
		rampUpInterval = flag.Duration("rampup", 25*time.Millisecond, "Time between adding new clients")
		clientsPerStep = flag.Int("clients", 1, "Number of clients to add each step")
		testDuration   = flag.Duration("duration", 30*time.Second, "Test duration")
		requestTimeout = flag.Duration("timeout", 3*time.Second, "Request timeout")
		requestDelay   = flag.Duration("delay", 2*time.Millisecond, "Delay between requests per client")
		bodySize       = flag.Int("body", 64, "Response body size in bytes")
		verbose        = flag.Bool("verbose", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.Config{Level: "warn"}
	if *verbose {
		logConfig.Level = "debug"
	}
	logger, err := logging.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	config := IncrementalLoadTestConfig{
		Host:           *host,
		Port:           *port,
		Shared:         *shared,
		PoolSize:       *poolSize,
		RampUpInterval: *rampUpInterval,
		ClientsPerStep: *clientsPerStep,
		TestDuration:   *testDuration,
		RequestTimeout: *requestTimeout,
		RequestDelay:   *requestDelay,
		BodySize:       *bodySize,
	}

	runner := NewIncrementalLoadTestRunner(config, logger)
	result, err := runner.RunIncrementalLoadTest()
	if err != nil {
		logger.Fatal("load test failed", zap.Error(err))
	}

	runner.PrintResults()

	if result.DroppedConnections > 0 {
		os.Exit(1)
	}
}
