package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/imeitools/batch-engine/pkg/checkpoint"
	"github.com/imeitools/batch-engine/pkg/lookup"
	"github.com/imeitools/batch-engine/pkg/store"
)

// fakeClient answers submissions through a caller-supplied function and
// counts how many identifiers were actually sent to the service.
type fakeClient struct {
	mu        sync.Mutex
	submitted []string
	calls     int
	fn        func(identifiers []string, attempt int) (*lookup.SubmitResponse, error)
	attempts  map[string]int
}

func newFakeClient(fn func(identifiers []string, attempt int) (*lookup.SubmitResponse, error)) *fakeClient {
	return &fakeClient{fn: fn, attempts: make(map[string]int)}
}

// acceptAll answers every identifier with a fresh order id.
func acceptAll(identifiers []string, _ int) (*lookup.SubmitResponse, error) {
	resp := &lookup.SubmitResponse{}
	for _, id := range identifiers {
		resp.Accepted = append(resp.Accepted, lookup.AcceptedOrder{Identifier: id, OrderID: "order-" + id})
	}
	return resp, nil
}

func (f *fakeClient) Submit(_ context.Context, identifiers []string, _ string, _ bool) (*lookup.SubmitResponse, error) {
	f.mu.Lock()
	f.calls++
	f.submitted = append(f.submitted, identifiers...)
	f.attempts[identifiers[0]]++
	attempt := f.attempts[identifiers[0]]
	fn := f.fn
	f.mu.Unlock()

	return fn(identifiers, attempt)
}

func (f *fakeClient) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// fakeRepo is an in-memory ItemStore.
type fakeRepo struct {
	mu        sync.Mutex
	known     map[string]bool
	inserted  []*store.WorkItem
	filterErr error
}

func newFakeRepo(known ...string) *fakeRepo {
	repo := &fakeRepo{known: make(map[string]bool)}
	for _, id := range known {
		repo.known[id] = true
	}
	return repo
}

func (f *fakeRepo) InsertAll(_ context.Context, items []*store.WorkItem) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stored, skipped int
	for _, item := range items {
		if f.known[item.IMEI] {
			skipped++
			continue
		}
		f.known[item.IMEI] = true
		f.inserted = append(f.inserted, item)
		stored++
	}
	return stored, skipped, nil
}

func (f *fakeRepo) FilterKnown(_ context.Context, imeis []string) ([]string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterErr != nil {
		return nil, nil, f.filterErr
	}
	var known, unknown []string
	for _, imei := range imeis {
		if f.known[imei] {
			known = append(known, imei)
		} else {
			unknown = append(unknown, imei)
		}
	}
	return known, unknown, nil
}

// memCheckpoints is an in-memory checkpoint.Store.
type memCheckpoints struct {
	mu    sync.Mutex
	snaps map[string]*checkpoint.Snapshot
	saves int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{snaps: make(map[string]*checkpoint.Snapshot)}
}

func (m *memCheckpoints) Save(_ context.Context, snap *checkpoint.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *snap
	m.snaps[snap.Fingerprint] = &copied
	m.saves++
	return nil
}

func (m *memCheckpoints) Load(_ context.Context, fingerprint string) (*checkpoint.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[fingerprint]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	copied := *snap
	return &copied, nil
}

func (m *memCheckpoints) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, fingerprint)
	return nil
}

func testConfig() Config {
	return Config{
		ChunkSize:     3,
		Workers:       4,
		MaxRetries:    3,
		RetryBase:     time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		DispatchDelay: -1,
		ServiceID:     269,
	}
}

func testIdentifiers(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("3539151026437%02d", i)
	}
	return ids
}

func checkIdentity(t *testing.T, result *Result) {
	t.Helper()
	got := len(result.Successful) + len(result.Duplicates) + len(result.Failed)
	if got != result.Total {
		t.Errorf("accounting broken: %d successful + %d duplicates + %d failed != total %d",
			len(result.Successful), len(result.Duplicates), len(result.Failed), result.Total)
	}
}

func TestNewEngineValidation(t *testing.T) {
	client := newFakeClient(acceptAll)
	repo := newFakeRepo()
	ckpt := newMemCheckpoints()

	tests := []struct {
		name    string
		client  SubmitClient
		repo    ItemStore
		ckpt    checkpoint.Store
		wantErr error
	}{
		{"valid", client, repo, ckpt, nil},
		{"nil client", nil, repo, ckpt, ErrNilClient},
		{"nil store", client, nil, ckpt, ErrNilStore},
		{"nil checkpoints", client, repo, nil, ErrNilCheckpoints},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.client, tt.repo, tt.ckpt, Config{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewEngine() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewEngineDefaults(t *testing.T) {
	engine, err := NewEngine(newFakeClient(acceptAll), newFakeRepo(), newMemCheckpoints(), Config{})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if engine.cfg != DefaultConfig() {
		t.Errorf("zero config filled to %+v, want %+v", engine.cfg, DefaultConfig())
	}

	// A negative delay means "no stagger" and must survive defaulting.
	engine, err = NewEngine(newFakeClient(acceptAll), newFakeRepo(), newMemCheckpoints(), Config{DispatchDelay: -1})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if engine.cfg.DispatchDelay != -1 {
		t.Errorf("DispatchDelay = %v, want -1 preserved", engine.cfg.DispatchDelay)
	}
}

func TestSubmitAllAccepted(t *testing.T) {
	client := newFakeClient(acceptAll)
	repo := newFakeRepo()
	ckpt := newMemCheckpoints()

	engine, err := NewEngine(client, repo, ckpt, testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), testIdentifiers(10), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if result.Total != 10 || len(result.Successful) != 10 {
		t.Errorf("result = %d successful of %d total, want 10 of 10", len(result.Successful), result.Total)
	}
	checkIdentity(t, result)

	for _, order := range result.Successful {
		if order.OrderID != "order-"+order.Identifier {
			t.Errorf("unexpected order id %q for %s", order.OrderID, order.Identifier)
		}
	}

	// Accepted orders must land in the store.
	repo.mu.Lock()
	stored := len(repo.inserted)
	repo.mu.Unlock()
	if stored != 10 {
		t.Errorf("stored %d orders, want 10", stored)
	}

	if rate := result.SuccessRate(); rate != 100 {
		t.Errorf("SuccessRate() = %v, want 100", rate)
	}
}

func TestSubmitEmpty(t *testing.T) {
	engine, err := NewEngine(newFakeClient(acceptAll), newFakeRepo(), newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	for _, input := range [][]string{nil, {}, {"", "  "}} {
		if _, err := engine.Submit(context.Background(), input, Options{}); !errors.Is(err, ErrEmptyBatch) {
			t.Errorf("Submit(%v) error = %v, want ErrEmptyBatch", input, err)
		}
	}
}

func TestSubmitMixedOutcomes(t *testing.T) {
	// One chunk per identifier: one identifier fails twice with a server
	// error before succeeding, one is permanently rejected, the rest pass.
	flaky := "353915102643704"
	rejected := "353915102643707"

	client := newFakeClient(func(identifiers []string, attempt int) (*lookup.SubmitResponse, error) {
		id := identifiers[0]
		switch {
		case id == rejected:
			return nil, &lookup.ServiceError{
				StatusCode: 400,
				Class:      lookup.ErrorClassRejection,
				Message:    "Wrong IMEI!",
			}
		case id == flaky && attempt <= 2:
			return nil, &lookup.ServiceError{
				StatusCode: 502,
				Class:      lookup.ErrorClassServer,
				Message:    "bad gateway",
			}
		default:
			return acceptAll(identifiers, attempt)
		}
	})

	cfg := testConfig()
	cfg.ChunkSize = 1
	cfg.Workers = 3

	engine, err := NewEngine(client, newFakeRepo(), newMemCheckpoints(), cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), testIdentifiers(10), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if result.Total != 10 {
		t.Errorf("Total = %d, want 10", result.Total)
	}
	if len(result.Successful) != 9 {
		t.Errorf("Successful = %d, want 9", len(result.Successful))
	}
	if len(result.Duplicates) != 0 {
		t.Errorf("Duplicates = %d, want 0", len(result.Duplicates))
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Failed = %d, want 1", len(result.Failed))
	}
	checkIdentity(t, result)

	failure := result.Failed[0]
	if failure.Identifier != rejected {
		t.Errorf("failed identifier = %s, want %s", failure.Identifier, rejected)
	}
	if failure.Message != "Wrong IMEI!" {
		t.Errorf("failure message = %q, want unmodified service wording", failure.Message)
	}
	if failure.Attempts != 1 {
		t.Errorf("rejection retried: attempts = %d, want 1", failure.Attempts)
	}

	client.mu.Lock()
	flakyAttempts := client.attempts[flaky]
	rejectedAttempts := client.attempts[rejected]
	client.mu.Unlock()
	if flakyAttempts != 3 {
		t.Errorf("flaky identifier attempts = %d, want 3", flakyAttempts)
	}
	if rejectedAttempts != 1 {
		t.Errorf("rejected identifier attempts = %d, want 1", rejectedAttempts)
	}
}

func TestSubmitRetryExhaustion(t *testing.T) {
	client := newFakeClient(func(identifiers []string, _ int) (*lookup.SubmitResponse, error) {
		return nil, &lookup.ServiceError{StatusCode: 503, Class: lookup.ErrorClassServer, Message: "maintenance"}
	})

	cfg := testConfig()
	engine, err := NewEngine(client, newFakeRepo(), newMemCheckpoints(), cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), testIdentifiers(3), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(result.Failed) != 3 {
		t.Fatalf("Failed = %d, want 3", len(result.Failed))
	}
	checkIdentity(t, result)

	for _, rec := range result.Failed {
		if rec.Attempts != cfg.MaxRetries {
			t.Errorf("attempts = %d, want %d", rec.Attempts, cfg.MaxRetries)
		}
		if want := "retry budget exhausted: maintenance"; rec.Message != want {
			t.Errorf("message = %q, want %q", rec.Message, want)
		}
	}
}

func TestSubmitServiceDuplicates(t *testing.T) {
	// The service flags the second identifier of each chunk as already known.
	client := newFakeClient(func(identifiers []string, attempt int) (*lookup.SubmitResponse, error) {
		resp := &lookup.SubmitResponse{}
		for i, id := range identifiers {
			if i == 1 {
				resp.Duplicates = append(resp.Duplicates, id)
				continue
			}
			resp.Accepted = append(resp.Accepted, lookup.AcceptedOrder{Identifier: id, OrderID: "order-" + id})
		}
		return resp, nil
	})

	engine, err := NewEngine(client, newFakeRepo(), newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), testIdentifiers(9), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(result.Duplicates) != 3 {
		t.Errorf("Duplicates = %d, want 3", len(result.Duplicates))
	}
	if len(result.Successful) != 6 {
		t.Errorf("Successful = %d, want 6", len(result.Successful))
	}
	checkIdentity(t, result)
}

func TestSubmitKnownIdentifiersNotResubmitted(t *testing.T) {
	ids := testIdentifiers(6)
	client := newFakeClient(acceptAll)
	repo := newFakeRepo(ids[0], ids[3])

	engine, err := NewEngine(client, repo, newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), ids, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(result.Duplicates) != 2 {
		t.Errorf("Duplicates = %d, want 2", len(result.Duplicates))
	}
	if len(result.Successful) != 4 {
		t.Errorf("Successful = %d, want 4", len(result.Successful))
	}
	checkIdentity(t, result)

	if got := client.submittedCount(); got != 4 {
		t.Errorf("service saw %d identifiers, want 4", got)
	}
}

func TestSubmitForceRecheckSkipsFilter(t *testing.T) {
	ids := testIdentifiers(4)
	client := newFakeClient(acceptAll)
	repo := newFakeRepo(ids...)

	engine, err := NewEngine(client, repo, newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), ids, Options{ForceRecheck: true})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if got := client.submittedCount(); got != 4 {
		t.Errorf("service saw %d identifiers, want all 4 under force recheck", got)
	}
	if len(result.Duplicates) != 0 {
		t.Errorf("Duplicates = %d, want 0", len(result.Duplicates))
	}
	checkIdentity(t, result)
}

func TestSubmitInputRepeatsCountAsDuplicates(t *testing.T) {
	engine, err := NewEngine(newFakeClient(acceptAll), newFakeRepo(), newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ids := []string{"353915102643710", "353915102643710", "353915102643728"}
	result, err := engine.Submit(context.Background(), ids, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if result.Total != 3 {
		t.Errorf("Total = %d, want 3", result.Total)
	}
	if len(result.Successful) != 2 || len(result.Duplicates) != 1 {
		t.Errorf("buckets = %d successful, %d duplicates, want 2 and 1",
			len(result.Successful), len(result.Duplicates))
	}
	checkIdentity(t, result)
}

func TestSubmitResumesFromCheckpoint(t *testing.T) {
	ids := testIdentifiers(9) // 3 chunks of 3
	fp := Fingerprint(ids)

	ckpt := newMemCheckpoints()
	ckpt.snaps[fp] = &checkpoint.Snapshot{
		Fingerprint:      fp,
		TotalIdentifiers: 9,
		ChunkSize:        3,
		TotalChunks:      3,
		ChunksDone:       []int{0},
		Successful: []checkpoint.OrderRef{
			{Identifier: ids[0], OrderID: "order-" + ids[0]},
			{Identifier: ids[1], OrderID: "order-" + ids[1]},
			{Identifier: ids[2], OrderID: "order-" + ids[2]},
		},
	}

	client := newFakeClient(acceptAll)
	engine, err := NewEngine(client, newFakeRepo(), ckpt, testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), ids, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !result.Resumed {
		t.Error("Resumed = false, want true")
	}
	if got := client.submittedCount(); got != 6 {
		t.Errorf("service saw %d identifiers, want 6 (first chunk skipped)", got)
	}
	if len(result.Successful) != 9 {
		t.Errorf("Successful = %d, want 9", len(result.Successful))
	}
	checkIdentity(t, result)

	// Completed run removes its checkpoint.
	if _, err := ckpt.Load(context.Background(), fp); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("checkpoint still present after completion: %v", err)
	}
}

func TestSubmitIgnoresCheckpointFromDifferentChunking(t *testing.T) {
	// An interrupted run under chunk size 3 finished its first chunk and
	// persisted those identifiers. Resuming under chunk size 2 must not
	// trust the old chunk indexes: the snapshot is discarded, the run
	// starts fresh, and the already-placed identifiers surface as
	// duplicates exactly once.
	ids := testIdentifiers(9)
	fp := Fingerprint(ids)

	ckpt := newMemCheckpoints()
	ckpt.snaps[fp] = &checkpoint.Snapshot{
		Fingerprint:      fp,
		TotalIdentifiers: 9,
		ChunkSize:        3,
		TotalChunks:      3,
		ChunksDone:       []int{0},
		Successful: []checkpoint.OrderRef{
			{Identifier: ids[0], OrderID: "order-" + ids[0]},
			{Identifier: ids[1], OrderID: "order-" + ids[1]},
			{Identifier: ids[2], OrderID: "order-" + ids[2]},
		},
	}

	repo := newFakeRepo(ids[0], ids[1], ids[2])
	cfg := testConfig()
	cfg.ChunkSize = 2

	engine, err := NewEngine(newFakeClient(acceptAll), repo, ckpt, cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), ids, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if result.Resumed {
		t.Error("Resumed = true, want fresh run for a mismatched snapshot")
	}
	if result.Total != 9 {
		t.Errorf("Total = %d, want 9", result.Total)
	}
	if len(result.Duplicates) != 3 {
		t.Errorf("Duplicates = %d, want the 3 already-placed identifiers", len(result.Duplicates))
	}
	if len(result.Successful) != 6 {
		t.Errorf("Successful = %d, want 6", len(result.Successful))
	}
	checkIdentity(t, result)
}

func TestSubmitCheckpointsEveryChunk(t *testing.T) {
	ckpt := newMemCheckpoints()
	engine, err := NewEngine(newFakeClient(acceptAll), newFakeRepo(), ckpt, testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if _, err := engine.Submit(context.Background(), testIdentifiers(9), Options{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ckpt.mu.Lock()
	saves := ckpt.saves
	ckpt.mu.Unlock()
	if saves != 3 {
		t.Errorf("checkpoint saved %d times, want once per chunk (3)", saves)
	}
}

func TestSubmitProgressCallback(t *testing.T) {
	engine, err := NewEngine(newFakeClient(acceptAll), newFakeRepo(), newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	var mu sync.Mutex
	var updates []Progress
	opts := Options{OnProgress: func(p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	}}

	if _, err := engine.Submit(context.Background(), testIdentifiers(9), opts); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 3 {
		t.Fatalf("received %d progress updates, want 3", len(updates))
	}
	last := updates[len(updates)-1]
	if last.ChunksDone != 3 || last.ChunksTotal != 3 || last.Successful != 9 {
		t.Errorf("final progress = %+v", last)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].ChunksDone <= updates[i-1].ChunksDone {
			t.Errorf("progress not monotonic: %+v", updates)
		}
	}
}

func TestSubmitRecoversFromClientPanic(t *testing.T) {
	client := newFakeClient(func(identifiers []string, _ int) (*lookup.SubmitResponse, error) {
		if identifiers[0] == "353915102643703" {
			panic("boom")
		}
		return acceptAll(identifiers, 1)
	})

	engine, err := NewEngine(client, newFakeRepo(), newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), testIdentifiers(6), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(result.Failed) != 3 {
		t.Errorf("Failed = %d, want the panicking chunk's 3 identifiers", len(result.Failed))
	}
	checkIdentity(t, result)
}

func TestSubmitUnacknowledgedIdentifiersFail(t *testing.T) {
	// The service accepts only the first identifier of each chunk and stays
	// silent about the rest.
	client := newFakeClient(func(identifiers []string, _ int) (*lookup.SubmitResponse, error) {
		return &lookup.SubmitResponse{
			Accepted: []lookup.AcceptedOrder{{Identifier: identifiers[0], OrderID: "1"}},
		}, nil
	})

	engine, err := NewEngine(client, newFakeRepo(), newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), testIdentifiers(3), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(result.Successful) != 1 || len(result.Failed) != 2 {
		t.Errorf("buckets = %d successful, %d failed, want 1 and 2",
			len(result.Successful), len(result.Failed))
	}
	checkIdentity(t, result)
	for _, rec := range result.Failed {
		if rec.Message != "no acknowledgement from lookup service" {
			t.Errorf("message = %q", rec.Message)
		}
	}
}

func TestSubmitCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var once sync.Once
	client := newFakeClient(func(identifiers []string, _ int) (*lookup.SubmitResponse, error) {
		once.Do(cancel)
		return acceptAll(identifiers, 1)
	})

	cfg := testConfig()
	cfg.Workers = 1
	cfg.DispatchDelay = time.Millisecond

	engine, err := NewEngine(client, newFakeRepo(), newMemCheckpoints(), cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(ctx, testIdentifiers(30), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit() error = %v, want context.Canceled", err)
	}
	if result == nil {
		t.Fatal("Submit() returned nil result on cancellation")
	}
	if len(result.Successful) >= 30 {
		t.Errorf("cancelled run completed all chunks")
	}
}

func TestRetryFailed(t *testing.T) {
	// First run rejects everything, second accepts.
	rejecting := true
	var mu sync.Mutex
	client := newFakeClient(func(identifiers []string, attempt int) (*lookup.SubmitResponse, error) {
		mu.Lock()
		r := rejecting
		mu.Unlock()
		if r {
			return nil, &lookup.ServiceError{StatusCode: 400, Class: lookup.ErrorClassRejection, Message: "Wrong IMEI!"}
		}
		return acceptAll(identifiers, attempt)
	})

	engine, err := NewEngine(client, newFakeRepo(), newMemCheckpoints(), testConfig())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	first, err := engine.Submit(context.Background(), testIdentifiers(3), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(first.Failed) != 3 {
		t.Fatalf("first run Failed = %d, want 3", len(first.Failed))
	}

	mu.Lock()
	rejecting = false
	mu.Unlock()

	second, err := engine.RetryFailed(context.Background(), first, Options{ForceRecheck: true})
	if err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	if len(second.Successful) != 3 {
		t.Errorf("retry Successful = %d, want 3", len(second.Successful))
	}
	checkIdentity(t, second)

	if _, err := engine.RetryFailed(context.Background(), second, Options{}); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("RetryFailed() with nothing failed error = %v, want ErrEmptyBatch", err)
	}
}

func TestSubmitLargeBatchIdentity(t *testing.T) {
	// Deterministic mixed behavior across a larger batch.
	client := newFakeClient(func(identifiers []string, attempt int) (*lookup.SubmitResponse, error) {
		resp := &lookup.SubmitResponse{}
		for _, id := range identifiers {
			n, _ := strconv.Atoi(id[len(id)-2:])
			switch {
			case n%7 == 0:
				resp.Duplicates = append(resp.Duplicates, id)
			case n%5 == 0:
				// Silent drop, becomes a failure record.
			default:
				resp.Accepted = append(resp.Accepted, lookup.AcceptedOrder{Identifier: id, OrderID: "order-" + id})
			}
		}
		return resp, nil
	})

	cfg := testConfig()
	cfg.ChunkSize = 7
	cfg.Workers = 5

	engine, err := NewEngine(client, newFakeRepo(), newMemCheckpoints(), cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	result, err := engine.Submit(context.Background(), testIdentifiers(100), Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if result.Total != 100 {
		t.Errorf("Total = %d, want 100", result.Total)
	}
	checkIdentity(t, result)
}
