package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ShayCichocki/buildfix/internal/breaker"
	"github.com/ShayCichocki/buildfix/internal/cache"
	"github.com/ShayCichocki/buildfix/internal/checkpoint"
	"github.com/ShayCichocki/buildfix/internal/exec"
	"github.com/ShayCichocki/buildfix/internal/graph"
	"github.com/ShayCichocki/buildfix/internal/ledger"
	"github.com/ShayCichocki/buildfix/internal/metrics"
	"github.com/ShayCichocki/buildfix/internal/orchestrator/policy"
	"github.com/ShayCichocki/buildfix/internal/registry"
	"github.com/ShayCichocki/buildfix/internal/state"
	"github.com/ShayCichocki/buildfix/internal/supervisor"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// ErrAlreadyRun is returned when Run is called twice on one Orchestrator.
var ErrAlreadyRun = errors.New("orchestrator already ran")

// unbounded is the ledger ceiling used when no ledger is configured.
var unbounded = models.ResourceDemand{CPUShares: 1 << 30, MemoryMB: 1 << 30, FileHandles: 1 << 30}

// inflight is one launched attempt.
type inflight struct {
	taskID     string
	unitID     string
	attempt    int
	generation uint64
	pid        int
	startedAt  time.Time
	cancel     context.CancelFunc
	// missingSince is when the liveness sweep first failed to find pid.
	missingSince time.Time
}

// Orchestrator is the scheduler. All fields below the construction block
// are owned by the goroutine executing Run.
type Orchestrator struct {
	workDir  string
	reg      *registry.Registry
	resolver *graph.Resolver
	opts     orchestratorOptions
	policy   *policy.Config
	log      *zap.Logger

	sup      *supervisor.Supervisor
	ledger   *ledger.Ledger
	breaker  *breaker.Breaker
	cache    *cache.Cache
	writer   *checkpoint.Writer
	ckRun    *checkpoint.Run
	stateDB  state.StateStore
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	pause    *PauseController
	emitter  *EventEmitter
	signals  *SignalWatcher
	recovery *checkpoint.Checkpoint

	runID     string
	startedAt time.Time
	ran       atomic.Bool

	states     map[string]*models.TaskState
	runMetrics models.RunMetrics
	inflight   map[string]*inflight
	events     chan supervisor.Event
	generation uint64
	// errorSets and chunks are filled lazily when a task's tier is reached.
	errorSets map[string][]string
	chunks    map[string][][]string

	tickCount      int
	lastProgress   time.Time
	stallWarned    bool
	lastCheckpoint time.Time
	wasPaused      bool

	snapMu    sync.RWMutex
	published Status
}

// Status is a point-in-time view of a run for observers.
type Status struct {
	RunID        string                      `json:"run_id"`
	Mode         models.Mode                 `json:"mode"`
	StartedAt    time.Time                   `json:"started_at"`
	Paused       bool                        `json:"paused"`
	Stopping     bool                        `json:"stopping"`
	Running      int                         `json:"running"`
	Tasks        []models.TaskState          `json:"tasks"`
	Metrics      models.RunMetrics           `json:"metrics"`
	Allocations  []models.ResourceAllocation `json:"allocations"`
	Used         models.ResourceDemand       `json:"used"`
	Ceiling      models.ResourceDemand       `json:"ceiling"`
	OpenBreakers []string                    `json:"open_breakers"`
}

// New creates an Orchestrator with required config and optional settings.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if req.WorkDir == "" {
		return nil, errors.New("work directory is required")
	}

	o := orchestratorOptions{
		mode:          models.ModeSmart,
		maxConcurrent: 4,
		chunkSize:     50,
		retry:         supervisor.RetryPolicy{MaxRetries: 3, Base: 2 * time.Second},
		fullEvery:     5,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", o.mode)
	}
	if o.chunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be >= 1, got %d", o.chunkSize)
	}
	if o.policy == nil {
		o.policy = policy.Default()
	}
	if err := o.policy.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.alive == nil {
		o.alive = exec.Alive
	}
	if o.supervisor == nil {
		o.supervisor = supervisor.New(supervisor.Options{WorkDir: req.WorkDir, Logger: o.logger})
	}
	if o.ledger == nil {
		o.ledger = ledger.New(unbounded, ledger.Options{})
	}
	if o.breaker == nil {
		o.breaker = breaker.New(3, 5*time.Minute)
	}

	orc := &Orchestrator{
		workDir:   req.WorkDir,
		reg:       req.Registry,
		resolver:  graph.NewResolver(req.Registry.Graph()),
		opts:      o,
		policy:    o.policy,
		log:       o.logger,
		sup:       o.supervisor,
		ledger:    o.ledger,
		breaker:   o.breaker,
		cache:     o.cache,
		stateDB:   o.stateDB,
		metrics:   o.metrics,
		limiter:   rate.NewLimiter(rate.Limit(o.policy.Spawn.Rate), o.policy.Spawn.Burst),
		pause:     NewPauseController(o.logger),
		emitter:   NewEventEmitter(256, o.logger),
		recovery:  o.resume,
		states:    make(map[string]*models.TaskState),
		inflight:  make(map[string]*inflight),
		events:    make(chan supervisor.Event, 2*o.mode.ConcurrencyBound(o.maxConcurrent)+8),
		errorSets: make(map[string][]string),
		chunks:    make(map[string][][]string),
	}

	switch {
	case o.resume != nil:
		orc.runID = o.resume.RunID
	case o.runID != "":
		orc.runID = o.runID
	default:
		orc.runID = NewRunID(o.now())
	}
	return orc, nil
}

// NewRunID returns a sortable unique run identifier.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// RunID returns the identifier of the run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Mode returns the scheduling profile.
func (o *Orchestrator) Mode() models.Mode {
	return o.opts.mode
}

// Events returns scheduler events. The channel is closed when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Activity returns up to limit of the most recent events, oldest first.
// It keeps working after Run returns.
func (o *Orchestrator) Activity(limit int) []Event {
	return o.emitter.Recent(limit)
}

// Pause stops admission of new units until Resume.
func (o *Orchestrator) Pause() {
	o.pause.Pause()
}

// Resume re-enables admission.
func (o *Orchestrator) Resume() {
	o.pause.Resume()
}

// Stop ends admission; Run returns once running units finish.
func (o *Orchestrator) Stop() {
	o.pause.Stop()
}

// IsPaused reports whether admission is paused.
func (o *Orchestrator) IsPaused() bool {
	return o.pause.IsPaused()
}

// Status returns the most recently published view of the run.
func (o *Orchestrator) Status() Status {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.published
}

// publish copies the working state for observers.
func (o *Orchestrator) publish() {
	s := Status{
		RunID:        o.runID,
		Mode:         o.opts.mode,
		StartedAt:    o.startedAt,
		Paused:       o.pause.IsPaused(),
		Stopping:     o.pause.IsStopped(),
		Running:      len(o.inflight),
		Tasks:        o.sortedStates(),
		Metrics:      o.runMetrics,
		Allocations:  o.ledger.Allocations(),
		Used:         o.ledger.Used(),
		Ceiling:      o.ledger.Effective(),
		OpenBreakers: o.breaker.Open(),
	}
	sort.Strings(s.OpenBreakers)

	o.snapMu.Lock()
	o.published = s
	o.snapMu.Unlock()

	o.metrics.SetRunning(s.Running)
	o.metrics.SetLedger(s.Used, s.Ceiling)
}

// sortedStates returns copies of all task states ordered by tier and ID.
func (o *Orchestrator) sortedStates() []models.TaskState {
	out := make([]models.TaskState, 0, len(o.states))
	for _, s := range o.states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// snapshot builds a checkpoint snapshot of the working state.
func (o *Orchestrator) snapshot() checkpoint.Snapshot {
	tasks := make(map[string]models.TaskState, len(o.states))
	for id, s := range o.states {
		tasks[id] = s.Clone()
	}
	return checkpoint.Snapshot{
		RunID:     o.runID,
		Mode:      o.opts.mode,
		Tasks:     tasks,
		Metrics:   o.runMetrics,
		CreatedAt: o.opts.now(),
	}
}

func (o *Orchestrator) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = o.opts.now()
	}
	o.emitter.Emit(e)
}

func tierLabel(tier int) string {
	return strconv.Itoa(tier)
}
