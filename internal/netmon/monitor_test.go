package netmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	notify   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) record(status Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) waitFor(t *testing.T, count int) []Status {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		r.mu.Lock()
		if len(r.statuses) >= count {
			snapshot := append([]Status(nil), r.statuses...)
			r.mu.Unlock()
			return snapshot
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("expected %d notifications", count)
		}
	}
}

func TestMonitorDeliversTransitionsInOrderWithoutDuplicates(t *testing.T) {
	monitor := NewMonitor(StatusOffline, nil)
	defer monitor.Close()

	rec := newRecorder()
	unsubscribe := monitor.Subscribe(rec.record)
	defer unsubscribe()

	monitor.Report(StatusOffline)
	monitor.Report(StatusOnline)
	monitor.Report(StatusOnline)
	monitor.Report(StatusOffline)
	monitor.Report(StatusOnline)

	got := rec.waitFor(t, 3)
	expected := []Status{StatusOnline, StatusOffline, StatusOnline}
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	for index := range expected {
		if got[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, got)
		}
	}
	if monitor.CurrentStatus() != StatusOnline {
		t.Fatalf("expected ONLINE, got %s", monitor.CurrentStatus())
	}
}

func TestMonitorUnsubscribeStopsDelivery(t *testing.T) {
	monitor := NewMonitor(StatusOffline, nil)
	defer monitor.Close()

	stopped := newRecorder()
	active := newRecorder()
	unsubscribe := monitor.Subscribe(stopped.record)
	monitor.Subscribe(active.record)
	unsubscribe()
	unsubscribe()

	monitor.Report(StatusOnline)
	active.waitFor(t, 1)

	stopped.mu.Lock()
	defer stopped.mu.Unlock()
	if len(stopped.statuses) != 0 {
		t.Fatalf("unsubscribed callback received %v", stopped.statuses)
	}
}

func TestMonitorReportDoesNotBlockOnSlowSubscriber(t *testing.T) {
	monitor := NewMonitor(StatusOffline, nil)
	defer monitor.Close()

	release := make(chan struct{})
	monitor.Subscribe(func(Status) { <-release })
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			if i%2 == 0 {
				monitor.Report(StatusOnline)
			} else {
				monitor.Report(StatusOffline)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("report blocked on a slow subscriber")
	}
}

type stubPinger struct {
	mu  sync.Mutex
	err error
}

func (p *stubPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *stubPinger) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestProberReportsPingOutcome(t *testing.T) {
	monitor := NewMonitor(StatusOffline, nil)
	defer monitor.Close()

	pinger := &stubPinger{}
	prober := NewProber(ProberConfig{Monitor: monitor, Pinger: pinger, Interval: time.Hour})

	if status := prober.Probe(context.Background()); status != StatusOnline {
		t.Fatalf("expected ONLINE, got %s", status)
	}
	if monitor.CurrentStatus() != StatusOnline {
		t.Fatalf("monitor not updated")
	}

	pinger.set(errors.New("connection refused"))
	if status := prober.Probe(context.Background()); status != StatusOffline {
		t.Fatalf("expected OFFLINE, got %s", status)
	}
	if monitor.CurrentStatus() != StatusOffline {
		t.Fatalf("monitor not updated")
	}
}
