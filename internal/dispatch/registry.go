package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-mcp/internal/cache"
	"github.com/kjstillabower/weather-mcp/internal/observability"
	"github.com/kjstillabower/weather-mcp/internal/traffic"
)

// Result is what a tool hands back on success.
type Result struct {
	Data   any
	Source cache.Source
}

// Spec declares a tool with typed arguments A. Validate runs after the JSON
// schema check and may normalize args in place.
type Spec[A any] struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Validate    func(*A) error
	Run         func(ctx context.Context, args A) (Result, error)
}

// tool is a registered Spec with its schema resolved and arguments type erased.
type tool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	resolved    *jsonschema.Resolved
	bind        func(raw json.RawMessage) (func(context.Context) (Result, error), error)
}

// Registry holds the tool set and runs invocations.
type Registry struct {
	tools   map[string]*tool
	order   []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. timeout bounds each call; zero disables it.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tools: make(map[string]*tool), timeout: timeout, logger: logger}
}

// Register adds a tool. The schema is resolved once here.
func Register[A any](r *Registry, spec Spec[A]) error {
	if spec.Name == "" || spec.Run == nil || spec.Schema == nil {
		return fmt.Errorf("register tool %q: name, schema and run are required", spec.Name)
	}
	if _, dup := r.tools[spec.Name]; dup {
		return fmt.Errorf("register tool %q: already registered", spec.Name)
	}
	resolved, err := spec.Schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("register tool %q: resolve schema: %w", spec.Name, err)
	}
	r.tools[spec.Name] = &tool{
		name:        spec.Name,
		description: spec.Description,
		schema:      spec.Schema,
		resolved:    resolved,
		bind: func(raw json.RawMessage) (func(context.Context) (Result, error), error) {
			var args A
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
			if spec.Validate != nil {
				if err := spec.Validate(&args); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
				}
			}
			return func(ctx context.Context) (Result, error) { return spec.Run(ctx, args) }, nil
		},
	}
	r.order = append(r.order, spec.Name)
	return nil
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Invoke runs one tool call through the state machine and always returns an
// envelope. It never panics.
func (r *Registry) Invoke(ctx context.Context, name string, raw json.RawMessage) (env Envelope) {
	start := time.Now()
	requestID := uuid.NewString()
	label := name
	t, known := r.tools[name]
	if !known {
		label = "unknown"
	}

	logger, ok := observability.ContextLogger(ctx)
	if !ok {
		logger = r.logger
	}
	logger = logger.With(zap.String("tool", name), zap.String("request_id", requestID))
	if cid := observability.CorrelationID(ctx); cid != "" {
		logger = logger.With(zap.String("correlation_id", cid))
	}
	ctx = observability.WithLogger(ctx, logger)
	m := newMachine(logger)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tool call panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			m.fail("panic")
			env = failure(name, requestID, fmt.Errorf("panic: %v", rec))
		}
		r.record(label, env, time.Since(start), logger)
	}()

	if !known {
		m.fail("unknown tool")
		return failure(name, requestID, fmt.Errorf("%w: %q", ErrUnknownTool, name))
	}

	m.to(StateValidating)
	run, err := t.validate(raw)
	if err != nil {
		m.fail("validation")
		return failure(name, requestID, err)
	}

	m.to(StateCacheCheck)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ctx = cache.WithFetchHook(ctx, func(coalesced bool) {
		src := cache.SourceUpstream
		if coalesced {
			src = cache.SourceCoalesced
		}
		m.enter(StateCacheCheck, StateUpstreamFetch, zap.String("source", string(src)))
	})
	res, err := run(ctx)
	if err != nil {
		m.fail(string(Code(err)))
		return failure(name, requestID, err)
	}
	// Tools whose service reports a fetch without going through the cache
	// hook are recorded here, after the fact.
	if res.Source != cache.SourceCache {
		m.enter(StateCacheCheck, StateUpstreamFetch, zap.String("source", string(res.Source)))
	}
	m.to(StateResponding)
	env = success(name, requestID, res.Source, res.Data)
	m.to(StateSuccess)
	return env
}

// validate decodes raw, checks it against the schema and binds typed args.
func (t *tool) validate(raw json.RawMessage) (func(context.Context) (Result, error), error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	var instance map[string]any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArguments)
	}
	if err := t.resolved.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return t.bind(raw)
}

func (r *Registry) record(tool string, env Envelope, elapsed time.Duration, logger *zap.Logger) {
	observability.ToolDurationSeconds.WithLabelValues(tool).Observe(elapsed.Seconds())
	if env.OK() {
		observability.ToolCallsTotal.WithLabelValues(tool, StatusSuccess).Inc()
		observability.ToolCallsBySourceTotal.WithLabelValues(tool, string(env.Source)).Inc()
		traffic.RecordSuccess(tool)
		logger.Info("tool call",
			zap.String("status", StatusSuccess),
			zap.String("source", string(env.Source)),
			zap.Duration("duration", elapsed),
		)
		return
	}
	code := CodeInternal
	if env.Error != nil {
		code = env.Error.Code
	}
	observability.ToolCallsTotal.WithLabelValues(tool, string(code)).Inc()
	traffic.RecordError(tool)
	level := logger.Warn
	if code == CodeInternal {
		level = logger.Error
	}
	level("tool call",
		zap.String("status", StatusError),
		zap.String("code", string(code)),
		zap.Duration("duration", elapsed),
	)
}
