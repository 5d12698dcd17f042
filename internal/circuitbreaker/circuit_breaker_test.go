package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var errBusiness = errors.New("insufficient stock")

func newTestBreaker(t *testing.T, maxFailures int, timeout time.Duration) *CircuitBreaker {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return New(Config{
		Name:        t.Name(),
		MaxFailures: maxFailures,
		Timeout:     timeout,
		MaxRequests: 1,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, errBusiness)
		},
	}, logger)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name        string
		scenario    func(t *testing.T, cb *CircuitBreaker)
		expectedEnd State
	}{
		{
			name: "closed_to_open_after_max_failures",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					if err := cb.Execute(func() error { return errors.New("store down") }); err == nil {
						t.Error("Expected failure")
					}
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "business_errors_do_not_open",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 10; i++ {
					if err := cb.Execute(func() error { return errBusiness }); !errors.Is(err, errBusiness) {
						t.Errorf("Expected business error to pass through, got %v", err)
					}
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "half_open_to_closed_on_success",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(func() error { return errors.New("store down") })
				}
				time.Sleep(60 * time.Millisecond)
				if err := cb.Execute(func() error { return nil }); err != nil {
					t.Errorf("Expected success, got %v", err)
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "half_open_to_open_on_failure",
			scenario: func(t *testing.T, cb *CircuitBreaker) {
				for i := 0; i < 3; i++ {
					cb.Execute(func() error { return errors.New("store down") })
				}
				time.Sleep(60 * time.Millisecond)
				cb.Execute(func() error { return errors.New("still down") })
			},
			expectedEnd: StateOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := newTestBreaker(t, 3, 50*time.Millisecond)
			tt.scenario(t, cb)
			if got := cb.State(); got != tt.expectedEnd {
				t.Errorf("Expected state %s, got %s", tt.expectedEnd, got)
			}
		})
	}
}

func TestOpenBreakerRejects(t *testing.T) {
	cb := newTestBreaker(t, 1, time.Minute)
	cb.Execute(func() error { return errors.New("store down") })

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
	if called {
		t.Error("Function should not run while the breaker is open")
	}
}

func TestExecuteContextTimeout(t *testing.T) {
	cb := newTestBreaker(t, 5, time.Minute)

	err := cb.ExecuteContext(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}

	metrics := cb.Metrics()
	if metrics["total_failures"].(int64) != 1 {
		t.Errorf("Expected timeout to count as failure, got %v", metrics["total_failures"])
	}
}

func TestExecuteContextParentCancelIsNotTimeout(t *testing.T) {
	cb := newTestBreaker(t, 5, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.ExecuteContext(ctx, time.Second, func(ctx context.Context) error {
		return ctx.Err()
	})
	if errors.Is(err, ErrTimeout) {
		t.Fatal("Caller cancellation should not be reported as a timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestExecuteContextPanicIsRecordedAndRethrown(t *testing.T) {
	cb := newTestBreaker(t, 5, time.Minute)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		cb.ExecuteContext(context.Background(), 0, func(context.Context) error {
			panic("driver bug")
		})
	}()

	if cb.Metrics()["total_failures"].(int64) != 1 {
		t.Error("Expected panic to be recorded as a failure")
	}
}

func TestMetricsConsistentUnderConcurrency(t *testing.T) {
	cb := newTestBreaker(t, 1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				cb.Execute(func() error {
					if (i+j)%4 == 0 {
						return errors.New("flaky")
					}
					return nil
				})
			}
		}(i)
	}
	wg.Wait()

	metrics := cb.Metrics()
	total := metrics["total_requests"].(int64)
	failures := metrics["total_failures"].(int64)
	successes := metrics["total_successes"].(int64)
	if total != 1000 {
		t.Errorf("Expected 1000 requests, got %d", total)
	}
	if total != failures+successes {
		t.Errorf("Inconsistent metrics: total=%d failures=%d successes=%d", total, failures, successes)
	}
}
