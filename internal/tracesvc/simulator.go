package tracesvc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "tracedash/internal/errors"
	"tracedash/internal/logging"
	"tracedash/internal/trace"
	id "tracedash/internal/utils/id"
)

// SimulatorConfig tunes the simulated document pipeline.
type SimulatorConfig struct {
	// StepInterval is the simulated time each stage takes to appear. Zero
	// releases one stage per fetch.
	StepInterval time.Duration `yaml:"step_interval" mapstructure:"step_interval"`
	// TransientFailureRate is the probability that a fetch fails with a
	// retryable error.
	TransientFailureRate float64 `yaml:"transient_failure_rate" mapstructure:"transient_failure_rate"`
	// StepErrorRate is the probability that a stage reports an error instead
	// of a result. A failed ingest stage fails the whole run.
	StepErrorRate float64 `yaml:"step_error_rate" mapstructure:"step_error_rate"`
	// SeedHistory is the number of finished runs FetchHistory reports before
	// anything was started.
	SeedHistory int `yaml:"seed_history" mapstructure:"seed_history"`
	// Seed makes the simulation reproducible when non-zero.
	Seed uint64 `yaml:"seed" mapstructure:"seed"`
}

// DefaultSimulatorConfig returns a pipeline that advances every two seconds.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		StepInterval: 2 * time.Second,
		SeedHistory:  3,
	}
}

type stage struct {
	agentType  string
	action     string
	rationale  string
	durationMs int64
	confidence float64
	output     func(goal string) map[string]any
}

// documentPipeline is the canned multi-agent run every simulated trace goes through.
var documentPipeline = []stage{
	{
		agentType:  "ingest",
		action:     "upload_document",
		rationale:  "Document received, split into pages and OCR applied to scanned pages",
		durationMs: 1200,
		confidence: 0.99,
		output: func(string) map[string]any {
			return map[string]any{"pages": 12, "ocr_pages": 3}
		},
	},
	{
		agentType:  "extractor",
		action:     "extract_entities",
		rationale:  "Named parties, dates and monetary amounts located in the body text",
		durationMs: 20000,
		confidence: 0.95,
		output: func(string) map[string]any {
			return map[string]any{"entities": []string{"Acme Holdings LLC", "Northwind Traders", "2026-01-01", "$48,000"}}
		},
	},
	{
		agentType:  "classifier",
		action:     "classify_document",
		rationale:  "Clause structure and party roles match a commercial lease",
		durationMs: 40000,
		confidence: 0.88,
		output: func(string) map[string]any {
			return map[string]any{"category": "commercial_lease", "alternatives": []string{"service_agreement"}}
		},
	},
	{
		agentType:  "risk_scorer",
		action:     "score_risk",
		rationale:  "Auto-renewal and uncapped indemnity clauses raise the risk score",
		durationMs: 60000,
		confidence: 0.84,
		output: func(string) map[string]any {
			return map[string]any{"risk_score": 0.31, "flags": []string{"auto_renewal", "uncapped_indemnity"}}
		},
	},
	{
		agentType:  "qa_indexer",
		action:     "index_for_qa",
		rationale:  "Document chunked and embedded so the assistant can answer questions about it",
		durationMs: 8000,
		confidence: 0.91,
		output: func(goal string) map[string]any {
			return map[string]any{"chunks": 48, "goal": goal}
		},
	},
}

type simRun struct {
	record  trace.Record
	emitted int
	final   *trace.Update
}

// Simulator is an in-memory trace service that walks every run through the
// document pipeline. It is safe for concurrent use.
type Simulator struct {
	config SimulatorConfig
	logger logging.Logger
	ids    *id.Generator
	now    func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	runs    map[string]*simRun
	history []trace.Record
}

// SimulatorOption customises a Simulator.
type SimulatorOption func(*Simulator)

// WithRand sets the random source.
func WithRand(rng *rand.Rand) SimulatorOption {
	return func(s *Simulator) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the simulator logger.
func WithLogger(logger logging.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = logging.OrNop(logger) }
}

// WithIDGenerator sets how trace and step ids are generated.
func WithIDGenerator(ids *id.Generator) SimulatorOption {
	return func(s *Simulator) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// NewSimulator creates a simulator and seeds its history.
func NewSimulator(config SimulatorConfig, opts ...SimulatorOption) *Simulator {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s := &Simulator{
		config: config,
		logger: logging.NewComponentLogger("Simulator"),
		ids:    id.NewGenerator(id.StrategyUUIDv7),
		now:    time.Now,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		runs:   make(map[string]*simRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seedHistory()
	return s
}

// Start allocates a new trace for goal.
func (s *Simulator) Start(ctx context.Context, goal string, params map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", apperrors.NewPermanentError(errors.New("goal is required"), "A goal is required to start a trace.")
	}

	traceID := s.ids.TraceID()
	s.mu.Lock()
	s.runs[traceID] = &simRun{record: trace.Record{
		ID:        traceID,
		Goal:      goal,
		Context:   maps.Clone(params),
		Status:    trace.StatusRunning,
		Steps:     []trace.Step{},
		StartTime: s.now(),
	}}
	s.mu.Unlock()

	s.logger.Info("Simulated trace %s started for goal %q", traceID, goal)
	return traceID, nil
}

// FetchUpdates returns the stages that became due since the previous call.
// Once the pipeline has finished every later call repeats the terminal
// status without steps.
func (s *Simulator) FetchUpdates(ctx context.Context, traceID string) (trace.Update, error) {
	if err := ctx.Err(); err != nil {
		return trace.Update{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[traceID]
	if !ok {
		return trace.Update{}, apperrors.NewPermanentError(fmt.Errorf("%w: %s", trace.ErrUnknownTrace, traceID), "")
	}
	if run.final != nil {
		return trace.Update{Status: run.final.Status, Result: run.final.Result, Error: run.final.Error}, nil
	}
	if s.config.TransientFailureRate > 0 && s.rng.Float64() < s.config.TransientFailureRate {
		return trace.Update{}, apperrors.NewTransientError(errors.New("simulated backend timeout"), "")
	}

	due := run.emitted + 1
	if s.config.StepInterval > 0 {
		due = int(s.now().Sub(run.record.StartTime) / s.config.StepInterval)
	}
	due = min(due, len(documentPipeline))

	var update trace.Update
	for run.emitted < due {
		step := s.runStage(run.record.Goal, documentPipeline[run.emitted], true)
		run.emitted++
		update.Steps = append(update.Steps, step)
		run.record.Steps = append(run.record.Steps, step)

		if step.Failed() && step.AgentType == documentPipeline[0].agentType {
			update.Status = trace.StatusFailed
			update.Error = fmt.Sprintf("document ingestion failed: %s", step.Error.Message)
			s.finish(run, update)
			return update, nil
		}
	}

	if run.emitted == len(documentPipeline) {
		update.Status = trace.StatusCompleted
		update.Result = summarize(run.record)
		s.finish(run, update)
	}
	return update, nil
}

// FetchHistory returns finished runs, newest first.
func (s *Simulator) FetchHistory(ctx context.Context) ([]trace.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]trace.Record, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		records = append(records, s.history[i].Clone())
	}
	return records, nil
}

func (s *Simulator) runStage(goal string, st stage, mayFail bool) trace.Step {
	jitter := 0.9 + 0.2*s.rng.Float64()
	step := trace.Step{
		ID:         s.ids.StepID(),
		AgentType:  st.agentType,
		Action:     st.action,
		Rationale:  st.rationale,
		Confidence: trace.ClampConfidence(st.confidence + (s.rng.Float64()-0.5)*0.04),
		DurationMs: int64(float64(st.durationMs) * jitter),
		Timestamp:  s.now(),
	}
	if mayFail && s.config.StepErrorRate > 0 && s.rng.Float64() < s.config.StepErrorRate {
		step.Confidence = 0
		step.Error = &trace.StepError{
			Code:    "agent_error",
			Message: fmt.Sprintf("%s could not complete %s", st.agentType, st.action),
		}
		return step
	}
	step.Result = st.output(goal)
	return step
}

func (s *Simulator) finish(run *simRun, update trace.Update) {
	final := update
	final.Steps = nil
	run.final = &final

	end := s.now()
	run.record.Status = update.Status
	run.record.EndTime = &end
	run.record.TotalDurationMs = trace.TotalDuration(run.record.Steps)
	run.record.FailureReason = update.Error
	if update.Result != nil {
		result := *update.Result
		run.record.Result = &result
		run.record.OverallConfidence = result.Confidence
	}
	s.history = append(s.history, run.record.Clone())
	s.logger.Debug("Simulated trace %s finished with status %s", run.record.ID, update.Status)
}

// summarize builds the final result: mean confidence of the successful
// stages and their merged outputs.
func summarize(rec trace.Record) *trace.Result {
	succeeded := slices.DeleteFunc(slices.Clone(rec.Steps), trace.Step.Failed)
	output := make(map[string]any, len(succeeded))
	for _, step := range succeeded {
		output[step.Action] = step.Result
	}
	return &trace.Result{
		Confidence: trace.AverageConfidence(succeeded),
		Summary:    fmt.Sprintf("Processed %q through %d of %d agents", rec.Goal, len(succeeded), len(rec.Steps)),
		Output:     output,
	}
}

var seedGoals = []string{
	"Review supplier master agreement",
	"Classify scanned invoice batch",
	"Assess NDA renewal risk",
	"Extract parties from employment contract",
}

func (s *Simulator) seedHistory() {
	base := s.now()
	for i := s.config.SeedHistory; i > 0; i-- {
		start := base.Add(-time.Duration(i) * time.Hour)
		run := &simRun{record: trace.Record{
			ID:        s.ids.TraceID(),
			Goal:      seedGoals[(i-1)%len(seedGoals)],
			Status:    trace.StatusRunning,
			StartTime: start,
		}}
		for _, st := range documentPipeline {
			step := s.runStage(run.record.Goal, st, false)
			step.Timestamp = start
			run.record.Steps = append(run.record.Steps, step)
		}
		result := summarize(run.record)
		end := start.Add(time.Duration(trace.TotalDuration(run.record.Steps)) * time.Millisecond)
		run.record.Status = trace.StatusCompleted
		run.record.EndTime = &end
		run.record.TotalDurationMs = trace.TotalDuration(run.record.Steps)
		run.record.OverallConfidence = result.Confidence
		run.record.Result = result
		s.history = append(s.history, run.record)
	}
}
