// internal/analysis/orchestrator.go

// Package analysis replays every template as every user and reclassifies
// the template rules from the outcome.
package analysis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/registry"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/results"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/rules"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/synthesis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

const DefaultBatchSize = 5

// Stores groups the in-memory state a run reads and updates.
type Stores struct {
	Roles         *registry.Roles
	Users         *registry.Users
	Templates     *registry.Templates
	Substitutions *registry.Substitutions
	Results       *results.Cache
}

// Summary describes a finished run.
type Summary struct {
	ProjectID string        `json:"projectId"`
	Templates int           `json:"templates"`
	Users     int           `json:"users"`
	Sent      int64         `json:"sent"`
	Skipped   int64         `json:"skipped"`
	Failed    int64         `json:"failed"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

type Orchestrator struct {
	stores    Stores
	transport core.Transport
	repo      core.TemplateRepository
	projects  core.ProjectContext
	events    core.Emitter
	engine    *rules.Engine
	batchSize int
	logger    *logger.Logger
	telemetry core.Telemetry

	running atomic.Bool
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewOrchestrator(
	stores Stores,
	transport core.Transport,
	repo core.TemplateRepository,
	projects core.ProjectContext,
	events core.Emitter,
	batchSize int,
	log *logger.Logger,
	tel core.Telemetry,
) *Orchestrator {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Orchestrator{
		stores:    stores,
		transport: transport,
		repo:      repo,
		projects:  projects,
		events:    events,
		engine:    rules.NewEngine(transport, log, tel),
		batchSize: batchSize,
		logger:    log.WithComponent("analysis"),
		telemetry: tel,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

type runState struct {
	projectID string
	users     []types.User
	roles     []types.Role
	subs      []types.Substitution
	sent      atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// Run clears the result cache and analyses every template. Templates are
// processed in batches: batches run one after another, templates within a
// batch run concurrently and each template sends its users one at a time.
// A second call while a run is in flight fails with core.ErrAnalysisRunning.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	projectID, ok := o.projects.CurrentProject(ctx)
	if !ok {
		o.logger.Infow("No active project, skipping analysis")
		return nil, core.ErrNoProject
	}

	if !o.running.CompareAndSwap(false, true) {
		return nil, core.ErrAnalysisRunning
	}
	defer o.running.Store(false)

	start := time.Now()
	ctx, span := o.logger.StartOperation(ctx, "analysis.Run", "project_id", projectID)

	o.stores.Results.Clear()
	o.events.Emit(ctx, types.EventResultsCleared, nil)
	defer o.events.Emit(context.WithoutCancel(ctx), types.EventCursorClear, nil)

	templates := o.stores.Templates.List()
	state := &runState{
		projectID: projectID,
		users:     o.stores.Users.List(),
		roles:     o.stores.Roles.List(),
		subs:      o.stores.Substitutions.List(),
	}

	log := o.logger.WithProject(projectID)
	log.Infow("Starting analysis",
		"templates", len(templates),
		"users", len(state.users),
		"roles", len(state.roles),
		"batch_size", o.batchSize,
	)

	for batchStart := 0; batchStart < len(templates) && ctx.Err() == nil; batchStart += o.batchSize {
		batchEnd := batchStart + o.batchSize
		if batchEnd > len(templates) {
			batchEnd = len(templates)
		}

		var g errgroup.Group
		for _, tmpl := range templates[batchStart:batchEnd] {
			tmpl := tmpl
			g.Go(func() error {
				o.analyseTemplate(ctx, state, tmpl)
				return nil
			})
		}
		_ = g.Wait()
	}

	summary := &Summary{
		ProjectID: projectID,
		Templates: len(templates),
		Users:     len(state.users),
		Sent:      state.sent.Load(),
		Skipped:   state.skipped.Load(),
		Failed:    state.failed.Load(),
		Cancelled: ctx.Err() != nil,
		Duration:  time.Since(start),
	}

	o.telemetry.RecordAnalysisRun(summary.Templates, summary.Users, summary.Duration.Seconds(), ctx.Err())
	o.logger.FinishOperation(ctx, span, "analysis.Run", start, ctx.Err(),
		"sent", summary.Sent,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)

	if err := ctx.Err(); err != nil {
		log.Warnw("Analysis cancelled", "error", err, "sent", summary.Sent)
		return summary, err
	}

	log.Infow("Analysis completed",
		"sent", summary.Sent,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, nil
}

func (o *Orchestrator) analyseTemplate(ctx context.Context, state *runState, tmpl types.Template) {
	lock := o.templateLock(tmpl.ID)
	lock.Lock()
	defer lock.Unlock()

	log := o.logger.WithProject(state.projectID).WithTemplate(tmpl.ID)

	o.events.Emit(ctx, types.EventCursorMark, types.CursorMark{TemplateID: tmpl.ID, InProgress: true})
	defer o.events.Emit(context.WithoutCancel(ctx), types.EventCursorMark, types.CursorMark{TemplateID: tmpl.ID, InProgress: false})

	base, err := o.transport.Get(ctx, tmpl.RequestID)
	if err != nil {
		log.Warnw("Base request unavailable, skipping template replays",
			"request_id", tmpl.RequestID,
			"error", err,
		)
		state.failed.Add(int64(len(state.users)))
	}

	for _, user := range state.users {
		if base == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if o.stores.Results.Exists(tmpl.ID, user.ID) {
			state.skipped.Add(1)
			continue
		}

		spec, err := synthesis.Build(tmpl, &base.Request, user, state.subs)
		if err != nil {
			log.WithUser(user.ID).Warnw("Cannot build replay", "error", err)
			state.failed.Add(1)
			continue
		}

		exchange, err := o.transport.Send(ctx, spec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithUser(user.ID).Warnw("Replay failed, skipping pair", "url", spec.URL, "error", err)
			state.failed.Add(1)
			continue
		}
		state.sent.Add(1)

		record := results.NewRecord(tmpl.ID, user.ID, exchange.ID)
		if o.stores.Results.Add(record) {
			o.events.Emit(ctx, types.EventResultCreated, record)
		}
	}

	if ctx.Err() != nil {
		return
	}
	o.classify(ctx, state, tmpl.ID)
}

// classify evaluates the latest copy of the template against the roles and
// users that exist now, then merges only the resulting statuses back. Rule
// toggles and subject deletions made while the rules were evaluated win.
func (o *Orchestrator) classify(ctx context.Context, state *runState, templateID string) {
	current, ok := o.stores.Templates.Get(templateID)
	if !ok {
		return
	}

	users := o.stores.Users.List()
	current.Rules = rules.Materialize(current.Rules, o.stores.Roles.List(), users)
	evaluated := o.engine.Evaluate(ctx, current, users, o.stores.Results.ForTemplate(templateID))

	updated, ok := o.stores.Templates.MergeStatuses(templateID, evaluated, o.subjectExists)
	if !ok {
		return
	}

	if err := o.repo.UpdateTemplate(ctx, state.projectID, updated); err != nil {
		o.logger.LogError(ctx, err, "analysis.PersistRules", "template_id", templateID)
	}
	o.events.Emit(ctx, types.EventTemplateUpdated, updated)
}

func (o *Orchestrator) subjectExists(subject types.SubjectType, subjectID string) bool {
	switch subject {
	case types.SubjectRole:
		return o.stores.Roles.Exists(subjectID)
	case types.SubjectUser:
		return o.stores.Users.Exists(subjectID)
	}
	return false
}

func (o *Orchestrator) templateLock(templateID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()

	lock, ok := o.locks[templateID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[templateID] = lock
	}
	return lock
}
