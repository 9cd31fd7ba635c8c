package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fakeWallet bool

func (w fakeWallet) Connected() bool { return bool(w) }

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Database(fakePinger{}))
	r.RegisterOptional("wallet", Wallet(fakeWallet(true)))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || !statuses[0].Critical {
		t.Errorf("unexpected database status: %+v", statuses[0])
	}
	if statuses[1].Name != "wallet" || statuses[1].Critical {
		t.Errorf("unexpected wallet status: %+v", statuses[1])
	}
}

func TestRegistryCriticalUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Database(fakePinger{err: errors.New("connection refused")}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with failing critical checker should report unhealthy")
	}
	if statuses[0].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[0].Detail)
	}
}

func TestRegistryOptionalUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.RegisterOptional("wallet", Wallet(fakeWallet(false)))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("optional failure must not fail readiness")
	}
	if statuses[0].Healthy || statuses[0].Detail != "no wallet connected" {
		t.Fatalf("unexpected wallet status: %+v", statuses[0])
	}
}

func TestRegistryCheckerTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out checker should be unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("checker timeout not applied")
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
