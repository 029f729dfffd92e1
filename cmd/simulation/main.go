package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/accounts"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/database"
	"github.com/ksred/klear-broker/internal/events"
	"github.com/ksred/klear-broker/internal/ledger"
	"github.com/ksred/klear-broker/internal/market"
	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/server"
	"github.com/ksred/klear-broker/pkg/middleware"
)

const (
	adminTCNo     = "00000000000"
	adminPassword = "Admin123!"
	userPassword  = "sim-password"
)

var (
	simBuckets = []string{"crypto", "bist", "us-stocks"}
	sides      = []string{"buy", "sell"}
)

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes min, max, mean, median, p95 and p99 of the recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the API over HTTP and records per-route latency
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"login":    {name: "Login"},
			"deposit":  {name: "Request Deposit"},
			"withdraw": {name: "Request Withdrawal"},
			"approve":  {name: "Approve Cash"},
			"order":    {name: "Place Order"},
			"quotes":   {name: "Get Quotes"},
			"ledger":   {name: "Get Ledger"},
		},
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call sends one request and decodes the envelope's data into out
func (sc *simulationClient) call(route, method, path, token string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := sc.client.Do(req)
	elapsed := time.Since(start)

	sc.mu.Lock()
	stats := sc.stats[route]
	stats.addDuration(elapsed)
	sc.mu.Unlock()

	fail := func(err error) error {
		sc.mu.Lock()
		stats.failures++
		sc.mu.Unlock()
		return err
	}

	if err != nil {
		return fail(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fail(fmt.Errorf("%s %s: decode: %w", method, path, err))
	}
	if !env.Success {
		msg := resp.Status
		if env.Error != nil {
			msg = env.Error.Message
		}
		return fail(fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg))
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (sc *simulationClient) login(tcNo, password string) (string, error) {
	var out accounts.LoginResponse
	err := sc.call("login", http.MethodPost, "/api/auth/login", "", accounts.LoginRequest{TCNo: tcNo, Password: password}, &out)
	return out.Token, err
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	keys := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		stats := sc.stats[k]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// tally counts outcomes across workers
type tally struct {
	mu          sync.Mutex
	deposits    int
	withdrawals int
	orders      int
	quoteReads  int
	failures    int
	sides       map[string]int
}

func (t *tally) add(f func(t *tally)) {
	t.mu.Lock()
	f(t)
	t.mu.Unlock()
}

func main() {
	os.Exit(run())
}

// run executes the simulation and returns the process exit code
func run() int {
	numAccounts := flag.Int("accounts", 8, "number of simulated accounts")
	numWorkers := flag.Int("workers", 4, "concurrent workers per account")
	opsPerWorker := flag.Int("ops", 25, "operations per worker")
	flag.Parse()

	// Per-request logs drown the report, so only warnings are shown.
	observability.Setup(false, "warn")
	gin.SetMode(gin.ReleaseMode)

	dir, err := os.MkdirTemp("", "broker-sim-*")
	if err != nil {
		log.Error().Err(err).Msg("Failed to create work dir")
		return 1
	}
	defer os.RemoveAll(dir)

	srv, baseURL, stop, err := startServer(dir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start server")
		return 1
	}
	defer stop()

	simClient := newSimulationClient(baseURL)
	adminToken, err := simClient.login(adminTCNo, adminPassword)
	if err != nil {
		log.Error().Err(err).Msg("Failed to log in as admin")
		return 1
	}

	accountIDs, err := seedAccounts(srv, *numAccounts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to seed accounts")
		return 1
	}
	fmt.Printf("Starting simulation: %d accounts, %d workers each, %d ops per worker\n",
		len(accountIDs), *numWorkers, *opsPerWorker)

	stats := &tally{sides: make(map[string]int)}
	start := time.Now()

	var wg sync.WaitGroup
	for i, accountID := range accountIDs {
		token, err := simClient.login(tcNoFor(i), userPassword)
		if err != nil {
			log.Error().Err(err).Str("account_id", accountID).Msg("Failed to log in")
			return 1
		}
		for w := 0; w < *numWorkers; w++ {
			wg.Add(1)
			go func(workerID int, token string) {
				defer wg.Done()
				runWorker(workerID, *opsPerWorker, simClient, token, adminToken, stats)
			}(i*(*numWorkers)+w, token)
		}
	}
	wg.Wait()
	duration := time.Since(start)

	mismatches := 0
	for _, id := range accountIDs {
		rec, err := srv.Ledger.Reconcile(context.Background(), id)
		if err != nil {
			log.Error().Err(err).Str("account_id", id).Msg("Failed to reconcile")
			mismatches++
			continue
		}
		if !rec.Balanced() {
			mismatches++
			log.Error().
				Str("account_id", id).
				Str("balance", rec.Balance.String()).
				Str("entry_sum", rec.EntrySum.String()).
				Msg("Ledger out of balance")
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BROKER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Activity
--------
Deposits approved:    %d
Withdrawals approved: %d
Orders placed:        %d
Quote reads:          %d
Failed operations:    %d
Duration:             %v

Ledger reconciliation
---------------------
Accounts checked:     %d
Out of balance:       %d
`, stats.deposits, stats.withdrawals, stats.orders, stats.quoteReads, stats.failures,
		duration.Round(time.Millisecond), len(accountIDs), mismatches)

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for _, side := range sides {
		count := stats.sides[side]
		barLength := 0
		if stats.orders > 0 {
			barLength = int(float64(count) / float64(stats.orders) * 20)
		}
		fmt.Printf("%-4s: %s (%d)\n", side, strings.Repeat("#", barLength), count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()

	if mismatches > 0 {
		log.Error().Int("mismatches", mismatches).Msg("Simulation found ledger drift")
		return 1
	}
	fmt.Println("\nAll ledgers reconciled")
	return 0
}

// runWorker mixes cash requests, approvals, trades and reads for one account
func runWorker(workerID, ops int, sc *simulationClient, token, adminToken string, stats *tally) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	logger := log.With().Int("worker_id", workerID).Logger()

	for i := 0; i < ops; i++ {
		var err error
		switch roll := rng.Intn(10); {
		case roll < 2:
			err = cashCycle(sc, rng, "deposit", token, adminToken)
			if err == nil {
				stats.add(func(t *tally) { t.deposits++ })
			}
		case roll < 3:
			err = cashCycle(sc, rng, "withdrawal", token, adminToken)
			if err == nil {
				stats.add(func(t *tally) { t.withdrawals++ })
			}
		case roll < 8:
			side := sides[rng.Intn(len(sides))]
			order := map[string]interface{}{
				"bucket":   simBuckets[rng.Intn(len(simBuckets))],
				"symbol":   "SIM",
				"side":     side,
				"quantity": decimal.NewFromInt(int64(rng.Intn(5) + 1)),
				"price":    decimal.NewFromFloat(float64(rng.Intn(10000)+100) / 100),
			}
			err = sc.call("order", http.MethodPost, "/api/trades/order", token, order, nil)
			if err == nil {
				stats.add(func(t *tally) { t.orders++; t.sides[side]++ })
			}
		case roll < 9:
			err = sc.call("quotes", http.MethodGet, "/api/markets/"+simBuckets[rng.Intn(len(simBuckets))], token, nil, nil)
			if err == nil {
				stats.add(func(t *tally) { t.quoteReads++ })
			}
		default:
			err = sc.call("ledger", http.MethodGet, "/api/ledger?limit=10", token, nil, nil)
		}

		if err != nil {
			stats.add(func(t *tally) { t.failures++ })
			logger.Warn().Err(err).Msg("Operation failed")
		}
	}
}

// cashCycle files a request and has the admin settle it, sometimes for a
// different amount than requested
func cashCycle(sc *simulationClient, rng *rand.Rand, cashType, token, adminToken string) error {
	path, route := "/api/deposits/request", "deposit"
	if cashType == "withdrawal" {
		path, route = "/api/withdrawals/request", "withdraw"
	}

	requested := decimal.NewFromInt(int64(rng.Intn(900) + 100))
	var req struct {
		ID string `json:"id"`
	}
	if err := sc.call(route, http.MethodPost, path, token, map[string]interface{}{"amount": requested}, &req); err != nil {
		return err
	}

	var body interface{}
	if rng.Intn(3) == 0 {
		body = map[string]interface{}{"amount": requested.Mul(decimal.RequireFromString("0.9")).Round(2)}
	}
	return sc.call("approve", http.MethodPost, "/api/admin/cash/"+req.ID+"/approve", adminToken, body, nil)
}

func tcNoFor(i int) string {
	return fmt.Sprintf("%011d", 10000000000+i)
}

// seedAccounts creates verified accounts directly in the database
func seedAccounts(srv *server.Server, n int) ([]string, error) {
	hash, err := auth.HashPassword(userPassword)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		acct := &ledger.Account{
			AccountID:    uuid.New().String(),
			TCNo:         tcNoFor(i),
			FirstName:    "Sim",
			LastName:     fmt.Sprintf("Trader%d", i),
			Email:        fmt.Sprintf("sim%d@broker.local", i),
			PasswordHash: hash,
			Role:         auth.RoleUser,
			Verified:     true,
			Balance:      decimal.Zero,
		}
		if err := srv.Ledger.GetDB().CreateAccount(context.Background(), acct); err != nil {
			return nil, fmt.Errorf("failed to create account %d: %w", i, err)
		}
		ids = append(ids, acct.AccountID)
	}
	return ids, nil
}

// startServer runs the API in-process on a loopback port backed by a
// throwaway SQLite file
func startServer(dir string) (*server.Server, string, func(), error) {
	cfg := &config.Config{
		DBDriver:             "sqlite",
		DatabaseDSN:          filepath.Join(dir, "sim.db"),
		JWTSecret:            "simulation-secret",
		TokenTTL:             time.Hour,
		QuoteCacheTTL:        30 * time.Second,
		QuoteMaxSymbols:      15,
		QuoteProviderTimeout: time.Second,
		AdminTCNo:            adminTCNo,
		AdminEmail:           "admin@broker.local",
		AdminPassword:        adminPassword,
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	srv := server.New(server.Dependencies{
		Config:    cfg,
		DB:        db,
		Publisher: events.NewMemoryPublisher(),
		Quotes:    market.NewSimulatedProvider(time.Now().UnixNano()),
		News:      server.NewNewsProvider(cfg),
		Documents: accounts.NewDiskStore(filepath.Join(dir, "uploads")),
		Metrics:   observability.NewMetrics(),
		Limits:    []middleware.Limit{},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, err
	}
	httpServer := &http.Server{Handler: srv.Router}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("simulation server stopped")
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}
	return srv, "http://" + ln.Addr().String(), stop, nil
}
