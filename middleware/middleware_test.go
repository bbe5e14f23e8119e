package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"lavish-rpc/message"
	"lavish-rpc/transport"
)

type atom interface {
	message.Atom
	isAtom()
}

type addArgs struct {
	A, B int
}

type addReply struct {
	Result int
}

func (addArgs) Method() string  { return "Arith.Add" }
func (addReply) Method() string { return "Arith.Add" }
func (addArgs) isAtom()         {}
func (addReply) isAtom()        {}

type handle = transport.Handle[atom, atom, atom]

// 模拟一个简单的 handler：直接返回成功响应
var echoHandler = transport.HandlerFunc[atom, atom, atom](func(ctx context.Context, _ handle, p atom) (atom, error) {
	args := p.(addArgs)
	return addReply{Result: args.A + args.B}, nil
})

// 模拟一个慢 handler：睡 200ms
var slowHandler = transport.HandlerFunc[atom, atom, atom](func(ctx context.Context, _ handle, p atom) (atom, error) {
	time.Sleep(200 * time.Millisecond)
	return addReply{}, nil
})

func call(h transport.Handler[atom, atom, atom]) (atom, error) {
	return h.HandleCall(context.Background(), handle{}, addArgs{A: 1, B: 2})
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := LoggingMiddleware[atom, atom, atom](logger)(echoHandler)

	resp, err := call(handler)
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if resp.(addReply).Result != 3 {
		t.Fatalf("expect result 3, got %d", resp.(addReply).Result)
	}
	if !strings.Contains(buf.String(), "method=Arith.Add") {
		t.Fatalf("expect method in log, got %q", buf.String())
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware[atom, atom, atom](500 * time.Millisecond)(echoHandler)

	if _, err := call(handler); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware[atom, atom, atom](50 * time.Millisecond)(slowHandler)

	_, err := call(handler)
	if !errors.Is(err, ErrHandlerTimeout) {
		t.Fatalf("expect timeout error, got '%v'", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware[atom, atom, atom](1, 2)(echoHandler)

	// 前 2 个应该通过（burst=2）
	for i := 0; i < 2; i++ {
		if _, err := call(handler); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	// 第 3 个应该被限流
	_, err := call(handler)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

func TestRetry(t *testing.T) {
	var attempts atomic.Int32
	flaky := transport.HandlerFunc[atom, atom, atom](func(ctx context.Context, _ handle, p atom) (atom, error) {
		if attempts.Add(1) < 3 {
			return nil, ErrHandlerTimeout
		}
		return addReply{Result: 3}, nil
	})

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler := RetryMiddleware[atom, atom, atom](logger, 3, time.Millisecond, nil)(flaky)
	resp, err := call(handler)
	if err != nil {
		t.Fatalf("expect success after retries, got '%v'", err)
	}
	if resp.(addReply).Result != 3 || attempts.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts.Load())
	}
	// retries go to the injected logger
	if n := strings.Count(buf.String(), "retrying call"); n != 2 {
		t.Fatalf("expect 2 retry logs, got %d: %s", n, buf.String())
	}
}

func TestRetryNonRetryable(t *testing.T) {
	var attempts atomic.Int32
	failing := transport.HandlerFunc[atom, atom, atom](func(ctx context.Context, _ handle, p atom) (atom, error) {
		attempts.Add(1)
		return nil, errors.New("invalid argument")
	})

	handler := RetryMiddleware[atom, atom, atom](nil, 3, time.Millisecond, nil)(failing)
	if _, err := call(handler); err == nil {
		t.Fatal("expect error")
	}
	if attempts.Load() != 1 {
		t.Fatalf("non-retryable error should not be retried, got %d attempts", attempts.Load())
	}
}

func TestRecover(t *testing.T) {
	panicky := transport.HandlerFunc[atom, atom, atom](func(ctx context.Context, _ handle, p atom) (atom, error) {
		panic("kaboom")
	})

	_, err := call(RecoverMiddleware[atom, atom, atom]()(panicky))
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expect recovered panic, got '%v'", err)
	}
}

func TestChain(t *testing.T) {
	// 用 Chain 组合 Logging + Timeout，验证请求能正常穿过
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	chained := Chain(LoggingMiddleware[atom, atom, atom](logger), TimeOutMiddleware[atom, atom, atom](500*time.Millisecond))
	handler := chained(echoHandler)

	resp, err := call(handler)
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware[atom, atom, atom] {
		return func(next transport.Handler[atom, atom, atom]) transport.Handler[atom, atom, atom] {
			return transport.HandlerFunc[atom, atom, atom](func(ctx context.Context, h handle, p atom) (atom, error) {
				order = append(order, name)
				return next.HandleCall(ctx, h, p)
			})
		}
	}

	if _, err := call(Chain(mark("outer"), mark("inner"))(echoHandler)); err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, ",") != "outer,inner" {
		t.Fatalf("expect outer,inner, got %v", order)
	}
}
