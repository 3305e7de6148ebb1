package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
)

// PanicPolicy decides what happens after a recovered panic is recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic once it has been logged.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "keep_running"
	case CrashProcess:
		return "crash_process"
	default:
		return "unknown"
	}
}

// RecoverAndLogWithContext recovers a panic in the calling goroutine and
// records it. Must be called directly by defer.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext with a policy
// applied after recording.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// HandlePanicValue records a panic value already recovered elsewhere, such
// as by fiber's recover middleware.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	if !nilcheck.Interface(logger) {
		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("source", name),
			log.String("panic", fmt.Sprint(panicValue)),
			log.String("stack_trace", string(stack)),
		)
	}

	recordPanicMetric(ctx, component, name)
	recordPanicToSpan(ctx, panicValue, stack, component, name)
}

// SafeGo runs fn in a goroutine guarded by panic recovery.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	SafeGoWithContextAndComponent(context.Background(), logger, "relay", name, policy, func(context.Context) {
		fn()
	})
}

// SafeGoWithContextAndComponent runs fn(ctx) in a goroutine guarded by panic
// recovery attributed to component and name.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if fn == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
