package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/askgrid/askd/internal/mention"
	"github.com/askgrid/askd/internal/stream"
	"github.com/askgrid/askd/model"
)

// Searcher finds candidate sources for a query. Implemented by the
// directory client.
type Searcher interface {
	Search(ctx context.Context, text string, topK int) ([]model.ScoredSource, error)
}

// Streamer issues a query to the aggregation service and delivers its
// protocol events, in order, on the returned channel. The channel is closed
// when the stream ends.
type Streamer interface {
	StreamQuery(ctx context.Context, req model.QueryRequest) (<-chan model.StreamEvent, error)
}

// Hooks are optional callbacks invoked at run boundaries. OnComplete fires
// exactly once per successful run; OnError fires on each transition into the
// error phase.
type Hooks struct {
	OnComplete func(model.QueryResult)
	OnError    func(message string)
}

const (
	defaultMinQueryLength     = 3
	defaultRelevanceThreshold = 0.5
	defaultTopK               = 10
)

// Options tunes driver policy. Zero values select the defaults above.
type Options struct {
	MinQueryLength     int
	RelevanceThreshold float64
	TopK               int
}

func (o Options) withDefaults() Options {
	if o.MinQueryLength <= 0 {
		o.MinQueryLength = defaultMinQueryLength
	}
	if o.RelevanceThreshold <= 0 {
		o.RelevanceThreshold = defaultRelevanceThreshold
	}
	if o.TopK <= 0 {
		o.TopK = defaultTopK
	}
	return o
}

// Driver is the imperative shell around one Machine. It calls the searcher
// and streamer, pumps stream events through the reducer into the machine,
// and guarantees at most one submission is in flight.
//
// Supersession is client-side only: every SubmitQuery and Reset bumps a
// generation counter, and the event-consumption loop of an older generation
// discards the rest of its stream silently.
type Driver struct {
	machine  *Machine
	searcher Searcher
	streamer Streamer
	hooks    Hooks
	logger   *zap.Logger
	opts     Options

	mu         sync.Mutex
	generation int64
	cancelRun  context.CancelFunc
	modelPath  string
}

// NewDriver wires a driver around a fresh machine.
func NewDriver(searcher Searcher, streamer Streamer, hooks Hooks, logger *zap.Logger, opts Options) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		machine:  NewMachine(),
		searcher: searcher,
		streamer: streamer,
		hooks:    hooks,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// SetModel records the model path used for subsequent submissions.
func (d *Driver) SetModel(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modelPath = path
}

// Model returns the currently selected model path.
func (d *Driver) Model() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modelPath
}

// State returns a deep copy of the current session state.
func (d *Driver) State() model.QueryState {
	return d.machine.Snapshot()
}

// ToggleSource flips a candidate in or out of the selected set.
func (d *Driver) ToggleSource(id string) {
	d.machine.ToggleSource(id)
}

// SubmitQuery starts a new submission. An empty or whitespace-only query is
// ignored. A missing model selection fails immediately without any network
// call. When the query carries @owner/slug mentions or presetPaths are
// supplied, execution proceeds directly to streaming; otherwise source
// discovery runs first and the session stops in selecting until
// ConfirmSelection.
//
// Submitting while a previous run is still streaming supersedes it: the old
// stream keeps draining but no longer mutates visible state.
func (d *Driver) SubmitQuery(ctx context.Context, query string, presetPaths []string) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return
	}

	gen := d.supersede()

	if d.Model() == "" {
		d.finishError(gen, model.NewModelNotSelectedError().Message)
		return
	}

	if d.machine.Phase() != model.PhaseIdle {
		d.machine.Reset()
	}
	d.machine.StartSearch(trimmed)

	paths := resolvePaths(trimmed, presetPaths)
	if len(paths) > 0 {
		// Direct execution: sources are already known, skip discovery.
		d.machine.StartPreparing()
		d.launchRun(gen, trimmed, paths)
		return
	}

	if len(trimmed) < d.opts.MinQueryLength {
		d.machine.SearchComplete(nil)
		return
	}

	results, err := d.searcher.Search(ctx, trimmed, d.opts.TopK)
	if d.stale(gen) {
		return
	}
	if err != nil {
		// Discovery failures are non-fatal: the user can proceed with
		// zero sources.
		d.logger.Warn("source search failed", zap.Error(err))
		d.machine.SearchComplete(nil)
		return
	}
	d.machine.SearchComplete(d.highRelevance(results))
}

// ConfirmSelection issues the remote streaming call with the selected
// sources. Valid only while selecting; otherwise a no-op.
func (d *Driver) ConfirmSelection() {
	st := d.machine.Snapshot()
	if st.Phase != model.PhaseSelecting {
		return
	}

	var paths []string
	for _, s := range st.SuggestedSources {
		if st.SelectedSourceIDs[s.ID] {
			paths = append(paths, s.Path)
		}
	}

	d.machine.StartPreparing()
	d.launchRun(d.currentGeneration(), st.Query, paths)
}

// CancelSelection abandons the selecting phase and returns to idle,
// discarding all candidate state.
func (d *Driver) CancelSelection() {
	if d.machine.Phase() != model.PhaseSelecting {
		return
	}
	d.supersede()
	d.machine.Reset()
}

// Reset discards the current run and state, permitting a brand-new
// submission.
func (d *Driver) Reset() {
	d.supersede()
	d.machine.Reset()
}

// supersede bumps the generation counter and cancels any in-flight run.
func (d *Driver) supersede() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
	if d.cancelRun != nil {
		d.cancelRun()
		d.cancelRun = nil
	}
	return d.generation
}

func (d *Driver) currentGeneration() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

func (d *Driver) stale(gen int64) bool {
	return d.currentGeneration() != gen
}

// launchRun starts stream consumption for the given generation. The run
// context is detached from the caller: the stream outlives the submitting
// request and is cancelled only by supersession.
func (d *Driver) launchRun(gen int64, query string, paths []string) {
	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelRun = cancel
	d.mu.Unlock()

	go d.run(ctx, gen, query, paths)
}

func (d *Driver) run(ctx context.Context, gen int64, query string, paths []string) {
	req := model.QueryRequest{
		Model:       d.Model(),
		SourcePaths: paths,
		Prompt:      query,
	}

	events, err := d.streamer.StreamQuery(ctx, req)
	if err != nil {
		if !d.stale(gen) {
			d.finishError(gen, classifyStreamError(err))
		}
		return
	}

	var cur *model.ProcessingStatus
	installed := false
	for ev := range events {
		if d.stale(gen) {
			return
		}

		switch ev.Kind {
		case model.EventToken:
			// Content accumulation bypasses the reducer.
			d.machine.AppendContent(ev.Content)
		case model.EventDone:
			d.finishComplete(gen, query, paths, ev.Sources)
			return
		case model.EventError:
			d.finishError(gen, ev.Message)
			return
		}

		next := stream.Reduce(cur, ev)
		if next == cur {
			continue
		}
		cur = next
		if next == nil {
			continue
		}
		if !installed {
			d.machine.StartStreaming(next)
			installed = true
		} else {
			d.machine.UpdateStatus(next)
		}
	}

	// The stream closed without a terminal event.
	if !d.stale(gen) {
		d.finishError(gen, model.NewAggregatorUnavailableError().Message)
	}
}

func (d *Driver) finishComplete(gen int64, query string, paths []string, sources map[string]model.AggregatorSource) {
	if d.stale(gen) {
		return
	}
	d.machine.Complete(sources)
	d.logger.Debug("query complete", zap.String("query", query), zap.Int("sources", len(sources)))
	if d.hooks.OnComplete != nil {
		st := d.machine.Snapshot()
		d.hooks.OnComplete(model.QueryResult{
			Query:       query,
			Content:     st.Content,
			SourcePaths: paths,
			Sources:     sources,
		})
	}
}

func (d *Driver) finishError(gen int64, message string) {
	if d.stale(gen) {
		return
	}
	d.machine.Fail(message)
	d.logger.Debug("query failed", zap.String("message", message))
	if d.hooks.OnError != nil {
		d.hooks.OnError(message)
	}
}

// highRelevance keeps results at or above the relevance threshold, stripped
// down to their candidate projection.
func (d *Driver) highRelevance(results []model.ScoredSource) []model.CandidateSource {
	var out []model.CandidateSource
	for _, r := range results {
		if r.RelevanceScore >= d.opts.RelevanceThreshold {
			out = append(out, r.CandidateSource)
		}
	}
	return out
}

// resolvePaths merges preset paths with @owner/slug mentions extracted from
// the query text, deduplicated in first-seen order.
func resolvePaths(query string, preset []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range preset {
		add(p)
	}
	for _, m := range mention.Extract(query) {
		add(m.Path)
	}
	return out
}

// classifyStreamError maps a pre-stream failure from the aggregation client
// to a fixed user-facing message.
func classifyStreamError(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		switch env.Code {
		case model.ErrAggregatorAuth, model.ErrUnauthorized, model.ErrForbidden:
			return model.NewAggregatorAuthError().Message
		case model.ErrAggregatorTimeout:
			return model.NewAggregatorTimeoutError().Message
		}
		return model.NewAggregatorUnavailableError().Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewAggregatorTimeoutError().Message
	}
	return model.NewAggregatorUnavailableError().Message
}
