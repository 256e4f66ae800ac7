package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/darkfactory/internal/bus"
)

// Sink persists a report before it is published. An error aborts the
// pipeline.
type Sink func(ctx context.Context, r Report) error

// Pipeline runs the gates for one task at a time. Collaborators left unset
// are skipped with an info finding, except the critic, which only runs when
// configured.
type Pipeline struct {
	bus       *bus.Bus
	sink      Sink
	tests     TestRunner
	critic    Critic
	criticAll bool
	scorer    Scorer
	runs      int
	holdout   HoldoutRunner
	human     HumanReviewer
	threshold float64
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithSink(s Sink) Option { return func(p *Pipeline) { p.sink = s } }

func WithTests(t TestRunner) Option { return func(p *Pipeline) { p.tests = t } }

// WithCritic enables L1.5. With all set the critic reviews every movement;
// otherwise only movements that ask for it.
func WithCritic(c Critic, all bool) Option {
	return func(p *Pipeline) {
		p.critic = c
		p.criticAll = all
	}
}

// WithScorer sets the blind validator and how many times it scores.
func WithScorer(s Scorer, runs int) Option {
	return func(p *Pipeline) {
		p.scorer = s
		if runs > 0 {
			p.runs = runs
		}
	}
}

func WithHoldout(h HoldoutRunner) Option { return func(p *Pipeline) { p.holdout = h } }

func WithHumanReview(h HumanReviewer) Option { return func(p *Pipeline) { p.human = h } }

// WithThreshold sets the L2 pass mark used when a movement has no goal gate.
func WithThreshold(t float64) Option { return func(p *Pipeline) { p.threshold = t } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a pipeline that publishes reports on b. b may be nil.
func New(b *bus.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		bus:       b,
		runs:      DefaultBlindRuns,
		threshold: DefaultThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run validates one task attempt. The returned error is reserved for sink
// failures and cancellation; gate failures are reported in the Outcome.
func (p *Pipeline) Run(ctx context.Context, in Input) (Outcome, error) {
	var out Outcome
	emit := func(r Report) error {
		r.TaskID = in.TaskID
		r.Timestamp = p.now().UTC()
		if r.Findings == nil {
			r.Findings = []Finding{}
		}
		out.Reports = append(out.Reports, r)
		if p.sink != nil {
			if err := p.sink(ctx, r); err != nil {
				return fmt.Errorf("record %s report for %s: %w", r.Gate, in.TaskID, err)
			}
		}
		if p.bus != nil {
			p.bus.Publish(bus.ValidationTopic(in.TaskID, string(r.Gate)),
				bus.NewEnvelope("gate/"+in.RunID, bus.ValidationEventType(string(r.Gate), r.Passed), r))
		}
		slog.Debug("gate evaluated", "task", in.TaskID, "gate", r.Gate, "passed", r.Passed)
		return nil
	}
	fail := func(gate ID, terminal bool) (Outcome, error) {
		out.FailedGate = gate
		out.Terminal = terminal
		return out, nil
	}

	// L0
	findings, threats, ok := checkContract(in)
	out.Threats = threats
	if err := emit(Report{Gate: L0, Passed: ok, Findings: findings}); err != nil {
		return out, err
	}
	if !ok {
		return fail(L0, true)
	}

	// L1
	tr, err := p.runTests(ctx, in)
	if err != nil {
		return out, err
	}
	if err := emit(tr.report); err != nil {
		return out, err
	}
	if !tr.report.Passed {
		return fail(L1, false)
	}

	// L1.5
	if p.critic != nil && (p.criticAll || in.Movement.Critic) {
		rep, r, err := p.review(ctx, in, tr.output)
		if err != nil {
			return out, err
		}
		if err := emit(r); err != nil {
			return out, err
		}
		if rep != nil {
			out.Critique = rep
			if rep.Recommendation == RecommendRevise && in.AttemptsLeft > 0 {
				out.Revise = true
				return fail(L15, false)
			}
		}
	}

	// L2
	threshold := in.Movement.GoalGate
	if threshold <= 0 {
		threshold = p.threshold
	}
	blind, r, err := p.blind(ctx, in, tr.output, out.Critique, threshold)
	if err != nil {
		return out, err
	}
	if err := emit(r); err != nil {
		return out, err
	}
	out.L2Median = blind
	if !r.Passed {
		return fail(L2, false)
	}

	// L3
	r, final, err := p.satisfaction(ctx, in, blind)
	if err != nil {
		return out, err
	}
	if err := emit(r); err != nil {
		return out, err
	}
	out.Final = final
	if !r.Passed {
		return fail(L3, false)
	}

	out.Passed = true
	return out, nil
}

type testRun struct {
	report Report
	output string
}

func (p *Pipeline) runTests(ctx context.Context, in Input) (testRun, error) {
	if p.tests == nil {
		return testRun{report: Report{Gate: L1, Passed: true, Findings: []Finding{
			{Severity: SeverityInfo, Message: "no test command configured"},
		}}}, nil
	}
	res, err := p.tests.RunTests(ctx, in.WorkspacePath)
	if err != nil {
		if ctx.Err() != nil {
			return testRun{}, ctx.Err()
		}
		return testRun{report: Report{Gate: L1, Passed: false, Findings: []Finding{
			{Severity: SeverityError, Message: err.Error()},
		}}}, nil
	}
	r := Report{Gate: L1, Passed: res.Passed}
	if !res.Passed {
		r.Findings = []Finding{{Severity: SeverityError, Message: "tests failed: " + tail(res.Output, 2000)}}
	}
	return testRun{report: r, output: res.Output}, nil
}

// review runs the critic. The critic is a soft gate: its report always
// passes, and a critic error is recorded as a warning.
func (p *Pipeline) review(ctx context.Context, in Input, testOutput string) (*CriticReport, Report, error) {
	rep, err := p.critic.Review(ctx, CriticRequest{
		TaskID:      in.TaskID,
		TaskSpec:    in.Movement.Goal,
		Diff:        in.Diff,
		TestResults: testOutput,
		WorkerModel: in.WorkerModel,
		Family:      OpposingFamily(in.WorkerModel),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, Report{}, ctx.Err()
		}
		return nil, Report{Gate: L15, Passed: true, Findings: []Finding{
			{Severity: SeverityWarning, Message: "critic unavailable: " + err.Error()},
		}}, nil
	}
	findings := criticFindings(rep)
	findings = append(findings, Finding{Severity: SeverityInfo, Message: "recommendation: " + string(rep.Recommendation)})
	return &rep, Report{Gate: L15, Passed: true, Score: score(rep.Confidence), Findings: findings}, nil
}

// blind scores the change p.runs times concurrently and keeps the median.
func (p *Pipeline) blind(ctx context.Context, in Input, testOutput string, critique *CriticReport, threshold float64) (*float64, Report, error) {
	if p.scorer == nil {
		return nil, Report{Gate: L2, Passed: true, Findings: []Finding{
			{Severity: SeverityInfo, Message: "no blind validator configured"},
		}}, nil
	}
	bi := BlindInput{TaskID: in.TaskID, Goal: in.Movement.Goal, Diff: in.Diff, TestOutput: testOutput, Critique: critique}
	scores := make([]float64, p.runs)
	g, gctx := errgroup.WithContext(ctx)
	for i := range scores {
		g.Go(func() error {
			s, err := p.scorer.Score(gctx, bi)
			if err != nil {
				return err
			}
			scores[i] = clamp(s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, Report{}, ctx.Err()
		}
		return nil, Report{Gate: L2, Passed: false, Findings: []Finding{
			{Severity: SeverityError, Message: "blind validation failed: " + err.Error()},
		}}, nil
	}
	median := Median(scores)
	r := Report{Gate: L2, Passed: median >= threshold, Score: score(median)}
	if !r.Passed {
		r.Findings = []Finding{{Severity: SeverityError,
			Message: fmt.Sprintf("median satisfaction %.3f below threshold %.3f", median, threshold)}}
	}
	return &median, r, nil
}

// satisfaction combines the blind median with the holdout pass rate.
// Without a holdout runner the pass rate is the blind median itself.
func (p *Pipeline) satisfaction(ctx context.Context, in Input, blind *float64) (Report, *float64, error) {
	if blind == nil {
		return Report{Gate: L3, Passed: true, Findings: []Finding{
			{Severity: SeverityInfo, Message: "no blind score to combine"},
		}}, nil, nil
	}
	var findings []Finding
	rate := *blind
	if p.holdout != nil {
		r, err := p.holdout.PassRate(ctx, in.WorkspacePath)
		if err != nil {
			if ctx.Err() != nil {
				return Report{}, nil, ctx.Err()
			}
			return Report{Gate: L3, Passed: false, Findings: []Finding{
				{Severity: SeverityError, Message: "holdout tests failed to run: " + err.Error()},
			}}, nil, nil
		}
		rate = clamp(r)
	}
	final := FinalSatisfaction(*blind, rate)
	threshold := in.SatisfactionThreshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	passed := final >= threshold
	if !passed {
		findings = append(findings, Finding{Severity: SeverityError,
			Message: fmt.Sprintf("final satisfaction %.3f below threshold %.3f", final, threshold)})
	}

	if passed && p.human != nil {
		ok, note, err := p.human.Approve(ctx, in.TaskID, final, findings)
		if err != nil {
			if ctx.Err() != nil {
				return Report{}, nil, ctx.Err()
			}
			return Report{}, nil, fmt.Errorf("human review of %s: %w", in.TaskID, err)
		}
		if !ok {
			passed = false
			findings = append(findings, Finding{Severity: SeverityError, Message: "rejected by human review: " + note})
		} else if note != "" {
			findings = append(findings, Finding{Severity: SeverityInfo, Message: "human review: " + note})
		}
	}
	return Report{Gate: L3, Passed: passed, Score: score(final), Findings: findings}, &final, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
