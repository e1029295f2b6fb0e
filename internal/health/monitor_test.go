package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/localconsole/internal/endpoint"
	"github.com/BadgerOps/localconsole/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMonitor(t *testing.T, table map[string]string, services []string) *Monitor {
	t.Helper()
	resolver := endpoint.NewResolver(nil, table, testLogger())
	client := transport.NewClient(transport.Options{}, testLogger())
	return NewMonitor(services, resolver, client, time.Second, testLogger())
}

func TestCheckAllVerdicts(t *testing.T) {
	var healthPath atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	goneURL := gone.URL
	gone.Close()

	m := newMonitor(t, map[string]string{
		"api":  up.URL + "/",
		"auth": failing.URL,
		"sync": goneURL,
	}, []string{"sync", "api", "auth", "billing"})

	statuses := m.CheckAll(context.Background())
	if len(statuses) != 4 {
		t.Fatalf("CheckAll() returned %d statuses, want 4", len(statuses))
	}

	byName := map[string]ServiceStatus{}
	for _, st := range statuses {
		byName[st.Name] = st
	}

	if statuses[0].Name != "api" {
		t.Errorf("statuses not sorted by name: first is %q", statuses[0].Name)
	}
	if got := healthPath.Load(); got != "/health" {
		t.Errorf("probe path = %v, want /health", got)
	}

	api := byName["api"]
	if api.Status != StatusOnline {
		t.Errorf("api status = %s, want ONLINE", api.Status)
	}
	if api.URL != up.URL+"/health" {
		t.Errorf("api URL = %q", api.URL)
	}
	if api.Latency == nil || api.LatencyMs == nil {
		t.Fatal("api latency not recorded")
	}
	if api.Error != "" {
		t.Errorf("api error = %q, want empty", api.Error)
	}

	auth := byName["auth"]
	if auth.Status != StatusOffline || !strings.Contains(auth.Error, "500") {
		t.Errorf("auth = %+v, want OFFLINE with 500", auth)
	}
	if auth.Latency == nil {
		t.Error("auth latency not recorded")
	}

	syncSt := byName["sync"]
	if syncSt.Status != StatusOffline || syncSt.Error == "" {
		t.Errorf("sync = %+v, want OFFLINE with error", syncSt)
	}
	if syncSt.Latency == nil {
		t.Error("sync latency not recorded")
	}

	billing := byName["billing"]
	if billing.Status != StatusOffline || !strings.Contains(billing.Error, "billing") {
		t.Errorf("billing = %+v, want OFFLINE naming the service", billing)
	}
	if billing.Latency != nil {
		t.Error("billing has latency without a request")
	}
}

func TestCheckAllIdempotent(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	m := newMonitor(t, map[string]string{"api": up.URL, "auth": down.URL}, []string{"api", "auth"})

	first := m.CheckAll(context.Background())
	second := m.CheckAll(context.Background())

	if len(second) != len(first) {
		t.Fatalf("second CheckAll() returned %d statuses, first %d", len(second), len(first))
	}
	for i := range first {
		if first[i].Name != second[i].Name || first[i].Status != second[i].Status {
			t.Errorf("verdict for %s changed: %s -> %s", first[i].Name, first[i].Status, second[i].Status)
		}
	}
}

func TestProbeShowsCheckingWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
	}))
	defer slow.Close()

	m := newMonitor(t, map[string]string{"api": slow.URL}, []string{"api"})

	// Seed a previous verdict with an error
	m.set(ServiceStatus{Name: "api", Status: StatusOffline, Error: "old failure"})

	done := make(chan []ServiceStatus)
	go func() { done <- m.CheckAll(context.Background()) }()

	<-entered
	st, ok := m.Status("api")
	if !ok {
		t.Fatal("no status for api while checking")
	}
	if st.Status != StatusChecking {
		t.Errorf("status = %s, want CHECKING", st.Status)
	}
	if st.Error != "" || st.Latency != nil {
		t.Errorf("stale verdict kept while checking: %+v", st)
	}

	close(release)
	final := <-done
	if final[0].Status != StatusOnline {
		t.Errorf("final status = %s, want ONLINE", final[0].Status)
	}
}

func TestOverlappingChecksShareProbe(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{}, 10)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		entered <- struct{}{}
		<-release
	}))
	defer slow.Close()

	m := newMonitor(t, map[string]string{"api": slow.URL}, []string{"api"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.CheckAll(context.Background())
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.CheckAll(context.Background())
	}()

	// Give the second cycle time to join the in-flight probe
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}

func TestSharedProbeSurvivesCallerCancel(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))
	defer slow.Close()

	m := newMonitor(t, map[string]string{"api": slow.URL}, []string{"api"})

	reqCtx, cancelReq := context.WithCancel(context.Background())
	first := make(chan ServiceStatus, 1)
	go func() { first <- m.Check(reqCtx, "api") }()
	<-entered

	second := make(chan ServiceStatus, 1)
	go func() { second <- m.Check(context.Background(), "api") }()

	cancelReq()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, ch := range []chan ServiceStatus{first, second} {
		select {
		case st := <-ch:
			if st.Status != StatusOnline {
				t.Errorf("status = %s (%s), want ONLINE", st.Status, st.Error)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Check() did not return")
		}
	}
}

func TestProbeTimeoutIsOffline(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	resolver := endpoint.NewResolver(nil, map[string]string{"api": slow.URL}, testLogger())
	client := transport.NewClient(transport.Options{}, testLogger())
	m := NewMonitor([]string{"api"}, resolver, client, 50*time.Millisecond, testLogger())

	st := m.Check(context.Background(), "api")
	if st.Status != StatusOffline || st.Error == "" {
		t.Errorf("Check() = %+v, want OFFLINE with error", st)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	m := newMonitor(t, map[string]string{"api": up.URL}, []string{"api"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if st, ok := m.Status("api"); ok && st.Status == StatusOnline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("api never reported ONLINE")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestServicesCopy(t *testing.T) {
	in := []string{"api"}
	m := NewMonitor(in, endpoint.NewResolver(nil, nil, nil), nil, 0, nil)
	in[0] = "changed"
	if got := m.Services(); len(got) != 1 || got[0] != "api" {
		t.Errorf("Services() = %v, want [api]", got)
	}
}
