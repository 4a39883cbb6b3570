package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/passwright/internal/document"
	"github.com/kalambet/passwright/internal/generation"
	"github.com/kalambet/passwright/internal/lang"
	"github.com/kalambet/passwright/internal/markup"
	"github.com/kalambet/passwright/internal/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memRepo is an in-memory Repository.
type memRepo struct {
	mu          sync.Mutex
	jobs        map[string]*document.Job
	sections    map[string]map[string]*document.Section
	changes     []document.ChangeLogEntry
	audits      []document.AuditRecord
	checkpoints []int
	zeroUpserts bool
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: map[string]*document.Job{}, sections: map[string]map[string]*document.Section{}}
}

func (r *memRepo) GetJob(_ context.Context, id string) (document.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return document.Job{}, errors.New("not found")
	}
	out := *j
	out.Passes = make(map[int]document.PassStatus, len(j.Passes))
	for k, v := range j.Passes {
		out.Passes[k] = v
	}
	return out, nil
}

func (r *memRepo) GetSections(_ context.Context, jobID string) ([]document.Section, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []document.Section
	for _, s := range r.sections[jobID] {
		out = append(out, *s)
	}
	return document.SortByOrder(out), nil
}

func (r *memRepo) UpsertSection(_ context.Context, p document.SectionPatch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.zeroUpserts {
		return 0, nil
	}
	s, ok := r.sections[p.JobID][p.Key]
	if !ok {
		return 0, nil
	}
	if p.Content != nil {
		s.Content = *p.Content
	}
	if p.History != nil {
		if s.History == nil {
			s.History = map[int]string{}
		}
		s.History[p.History.Pass] = p.History.Prior
	}
	if p.LastModifiedPass != nil {
		s.LastModifiedPass = *p.LastModifiedPass
	}
	if p.LastVisitedPass != nil {
		s.LastVisitedPass = *p.LastVisitedPass
	}
	if p.ChangeLog != nil {
		r.changes = append(r.changes, *p.ChangeLog)
	}
	return 1, nil
}

func (r *memRepo) UpdateJob(_ context.Context, id string, p document.JobPatch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return 0, nil
	}
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Pass != nil {
		j.Passes[p.Pass.Number] = p.Pass.Status
	}
	if p.CurrentPass != nil {
		j.CurrentPass = *p.CurrentPass
	}
	if p.TotalSections != nil {
		j.TotalSections = *p.TotalSections
	}
	if p.CompletedSections != nil {
		j.CompletedSections = *p.CompletedSections
		r.checkpoints = append(r.checkpoints, *p.CompletedSections)
	}
	if p.Draft != nil {
		j.Draft = *p.Draft
	}
	if p.ClearFailure {
		j.Failure = nil
	}
	if p.Failure != nil {
		f := *p.Failure
		j.Failure = &f
	}
	if p.CancelRequested != nil {
		j.CancelRequested = *p.CancelRequested
	}
	return 1, nil
}

func (r *memRepo) SaveAudit(_ context.Context, rec document.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, rec)
	return nil
}

func (r *memRepo) setCancel(id string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id].CancelRequested = v
}

func (r *memRepo) section(jobID, key string) document.Section {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.sections[jobID][key]
}

func (r *memRepo) job(id string) document.Job {
	j, _ := r.GetJob(context.Background(), id)
	return j
}

// addJob stores a pending job whose sections have the given bodies.
func (r *memRepo) addJob(id string, bodies ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &document.Job{
		ID:            id,
		Title:         "Brewing Coffee at Home",
		DocType:       "article",
		Language:      "en",
		Status:        document.JobPending,
		Passes:        map[int]document.PassStatus{},
		CurrentPass:   1,
		TotalSections: len(bodies),
	}
	r.sections[id] = map[string]*document.Section{}
	for i, body := range bodies {
		key := fmt.Sprintf("s%d", i+1)
		heading := fmt.Sprintf("Heading %d", i+1)
		r.sections[id][key] = &document.Section{
			JobID:   id,
			Key:     key,
			Heading: heading,
			Level:   2,
			Order:   i + 1,
			Content: "## " + heading + "\n\n" + body,
		}
	}
}

func prose(i int) string {
	return fmt.Sprintf("Section %d explains one part of brewing coffee at home in plain prose. "+
		"It covers the equipment, the water and the timing that matter for a good cup.", i)
}

func proseBodies(n int) []string {
	out := make([]string, n)
	for i := range n {
		out[i] = prose(i + 1)
	}
	return out
}

type mockGenerator struct {
	mu         sync.Mutex
	calls      int
	generateFn func(ctx context.Context, p generation.Prompt, retryBudget int) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, p generation.Prompt, retryBudget int) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.generateFn(ctx, p, retryBudget)
}

func (m *mockGenerator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

const addition = "\n\nA further sentence adds detail for the reader."

func extend(_ context.Context, p generation.Prompt, _ int) (string, error) {
	return p.Echo + addition, nil
}

func isBatch(p generation.Prompt) bool {
	return strings.Contains(p.Echo, "[SECTION:")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, repo Repository, gen generation.Generator, cfg Config) *Engine {
	t.Helper()
	e, err := New(Deps{Repo: repo, Generator: gen, Languages: lang.MustLoad(), Logger: discardLogger()}, cfg)
	require.NoError(t, err)
	return e
}

var polishAll = PassSpec{Number: 1, Name: "polish", Kind: prompt.KindPolish, Selector: SelectAll}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{Generator: &mockGenerator{}, Languages: lang.MustLoad()}, DefaultConfig())
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Msg, "repository")

	_, err = New(Deps{Repo: newMemRepo(), Languages: lang.MustLoad()}, DefaultConfig())
	require.ErrorAs(t, err, &ce)
}

func TestRunPass_CancelAfterThirdUnitThenResume(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(10)...)
	original := make(map[string]string)
	for i := 1; i <= 10; i++ {
		key := fmt.Sprintf("s%d", i)
		original[key] = repo.section("j1", key).Content
	}

	gen := &mockGenerator{}
	gen.generateFn = func(ctx context.Context, p generation.Prompt, rb int) (string, error) {
		if gen.calls == 3 {
			repo.setCancel("j1", true)
		}
		return extend(ctx, p, rb)
	}
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 3
	e := newTestEngine(t, repo, gen, cfg)

	outcome, err := e.RunPass(context.Background(), "j1", polishAll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	job := repo.job("j1")
	assert.Equal(t, 3, job.CompletedSections)
	assert.Equal(t, document.PassInProgress, job.PassState(1))
	for i := 1; i <= 3; i++ {
		s := repo.section("j1", fmt.Sprintf("s%d", i))
		assert.Equal(t, 1, s.LastModifiedPass, s.Key)
		assert.Equal(t, original[s.Key], s.History[1], s.Key)
	}
	for i := 4; i <= 10; i++ {
		s := repo.section("j1", fmt.Sprintf("s%d", i))
		assert.Equal(t, original[s.Key], s.Content, s.Key)
		assert.Zero(t, s.LastVisitedPass, s.Key)
	}
	assert.Contains(t, job.Draft, "A further sentence adds detail")

	// Resume picks up at section 4.
	repo.setCancel("j1", false)
	outcome, err = e.RunPass(context.Background(), "j1", polishAll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 10, gen.count())

	job = repo.job("j1")
	assert.Equal(t, 10, job.CompletedSections)
	assert.Equal(t, document.PassCompleted, job.PassState(1))
	assert.Equal(t, 2, job.CurrentPass)
	for _, c := range repo.checkpoints {
		assert.LessOrEqual(t, c, job.TotalSections)
	}
	assert.Len(t, repo.changes, 10)
}

func TestRunPass_ResumeKeepsCheckpointedCounter(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(3)...)
	// s1 was accepted and s2 skipped after a generation failure before the
	// run stopped with two sections counted.
	repo.mu.Lock()
	repo.jobs["j1"].Passes[1] = document.PassInProgress
	repo.jobs["j1"].CompletedSections = 2
	repo.sections["j1"]["s1"].LastVisitedPass = 1
	repo.mu.Unlock()

	gen := &mockGenerator{generateFn: extend}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	outcome, err := e.RunPass(context.Background(), "j1", polishAll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 2, gen.count())

	require.NotEmpty(t, repo.checkpoints)
	assert.Equal(t, 2, repo.checkpoints[0])
	for i := 1; i < len(repo.checkpoints); i++ {
		assert.GreaterOrEqual(t, repo.checkpoints[i], repo.checkpoints[i-1])
	}
	assert.Equal(t, 3, repo.job("j1").CompletedSections)
}

func TestRunPass_ContextCancelled(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(4)...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &mockGenerator{}
	gen.generateFn = func(ctx context.Context, p generation.Prompt, rb int) (string, error) {
		if gen.calls == 2 {
			cancel()
			return "", ctx.Err()
		}
		return extend(ctx, p, rb)
	}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	outcome, err := e.RunPass(ctx, "j1", polishAll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Equal(t, 2, gen.count())
	assert.Equal(t, 1, repo.section("j1", "s1").LastModifiedPass)
	assert.Zero(t, repo.section("j1", "s2").LastVisitedPass)
}

func TestRunPass_MarkerlessBatchFallsBackToIndividualCalls(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(4)...)

	var batchCalls, singleCalls int
	gen := &mockGenerator{generateFn: func(ctx context.Context, p generation.Prompt, rb int) (string, error) {
		if isBatch(p) {
			batchCalls++
			return "Rewritten text for both sections with no markers at all.", nil
		}
		singleCalls++
		return extend(ctx, p, rb)
	}}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	spec := polishAll
	spec.BatchSize = 2
	outcome, err := e.RunPass(context.Background(), "j1", spec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 2, batchCalls)
	assert.Equal(t, 4, singleCalls)
	for i := 1; i <= 4; i++ {
		assert.Equal(t, 1, repo.section("j1", fmt.Sprintf("s%d", i)).LastModifiedPass)
	}
}

func TestRunPass_PartialMarkersFallBackForWholeBatch(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(2)...)

	var batchCalls, singleCalls int
	gen := &mockGenerator{generateFn: func(ctx context.Context, p generation.Prompt, rb int) (string, error) {
		if isBatch(p) {
			batchCalls++
			return "[SECTION: s1]\n## Heading 1\n\n" + prose(1) + addition + "\n\n## Heading 2\n\n" + prose(2), nil
		}
		singleCalls++
		return extend(ctx, p, rb)
	}}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	spec := polishAll
	spec.BatchSize = 2
	outcome, err := e.RunPass(context.Background(), "j1", spec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 1, batchCalls)
	assert.Equal(t, 2, singleCalls)

	s1 := repo.section("j1", "s1")
	assert.NotContains(t, s1.Content, "Heading 2")
	assert.NotContains(t, s1.Content, "Section 2 explains")
	assert.Equal(t, 1, repo.section("j1", "s2").LastModifiedPass)
	assert.Len(t, repo.changes, 2)
}

func TestRunPass_BatchAssignsByMarker(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(2)...)

	gen := &mockGenerator{generateFn: func(_ context.Context, p generation.Prompt, _ int) (string, error) {
		require.True(t, isBatch(p))
		blocks := strings.Split(p.Echo, "\n\n[SECTION:")
		return strings.Join(blocks, addition+"\n\n[SECTION:") + addition, nil
	}}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	spec := polishAll
	spec.BatchSize = 4
	_, err := e.RunPass(context.Background(), "j1", spec)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.count())
	for _, key := range []string{"s1", "s2"} {
		s := repo.section("j1", key)
		assert.True(t, strings.HasSuffix(s.Content, strings.TrimSpace(addition)), key)
		assert.NotContains(t, s.Content, "[SECTION:", key)
	}
}

func TestRunPass_DuplicateBatchSectionRetriedIndividually(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(2)...)

	var single []string
	gen := &mockGenerator{generateFn: func(ctx context.Context, p generation.Prompt, rb int) (string, error) {
		if isBatch(p) {
			return "[SECTION: s1]\n## Heading 1\n\n" + prose(1) + "\n\n[SECTION: s2]\n## Heading 2\n\n" + prose(1), nil
		}
		single = append(single, p.Echo)
		return extend(ctx, p, rb)
	}}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	spec := polishAll
	spec.BatchSize = 2
	_, err := e.RunPass(context.Background(), "j1", spec)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Contains(t, single[0], "Heading 2")
	assert.Contains(t, repo.section("j1", "s2").Content, "Section 2 explains")
}

func TestRunPass_ImageVetoMarksVisited(t *testing.T) {
	body := prose(1) + "\n\n![one](a.png)\n\n![two](b.png)\n\nThe images show the setup."
	repo := newMemRepo()
	repo.addJob("j1", body)
	before := repo.section("j1", "s1").Content

	gen := &mockGenerator{generateFn: func(_ context.Context, p generation.Prompt, _ int) (string, error) {
		return strings.Replace(p.Echo, "![two](b.png)", "", 1) + addition, nil
	}}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	outcome, err := e.RunPass(context.Background(), "j1", polishAll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	s := repo.section("j1", "s1")
	assert.Equal(t, before, s.Content)
	assert.Equal(t, 1, s.LastVisitedPass)
	assert.Zero(t, s.LastModifiedPass)
	assert.Empty(t, repo.changes)
}

func TestRunPass_ListBudgetNeverWorsens(t *testing.T) {
	withList := prose(0) + "\n\nThe basics:\n\n- grinder\n- kettle"
	repo := newMemRepo()
	repo.addJob("j1", prose(1), withList, withList, prose(4), prose(5))

	gen := &mockGenerator{generateFn: func(_ context.Context, p generation.Prompt, _ int) (string, error) {
		return p.Echo + "\n\nKey points:\n\n- first point\n- second point", nil
	}}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	spec := PassSpec{Number: 1, Name: "lists", Kind: prompt.KindList, Selector: SelectAll}
	_, err := e.RunPass(context.Background(), "j1", spec)
	require.NoError(t, err)

	lists := 0
	for i := 1; i <= 5; i++ {
		if markup.HasList(repo.section("j1", fmt.Sprintf("s%d", i)).Content) {
			lists++
		}
	}
	// floor(5 * 0.4) = 2, already reached before the pass.
	assert.Equal(t, 2, lists)
	assert.Equal(t, 1, repo.section("j1", "s2").LastModifiedPass)
	assert.Zero(t, repo.section("j1", "s1").LastModifiedPass)
	assert.Equal(t, 1, repo.section("j1", "s1").LastVisitedPass)
}

func TestRunPass_GenerationFailureSkipsSection(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(3)...)

	gen := &mockGenerator{generateFn: func(ctx context.Context, p generation.Prompt, rb int) (string, error) {
		if strings.Contains(p.Echo, "Heading 2") {
			return "", &generation.TransientError{Rounds: 3, Err: errors.New("vendor down")}
		}
		return extend(ctx, p, rb)
	}}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	outcome, err := e.RunPass(context.Background(), "j1", polishAll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Zero(t, repo.section("j1", "s2").LastVisitedPass)
	assert.Equal(t, 1, repo.section("j1", "s3").LastModifiedPass)
	assert.Equal(t, 3, repo.job("j1").CompletedSections)
}

func TestRunPass_ZeroRowWriteIsIntegrityFailure(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(2)...)
	repo.zeroUpserts = true
	e := newTestEngine(t, repo, &mockGenerator{generateFn: extend}, DefaultConfig())

	outcome, err := e.RunPass(context.Background(), "j1", polishAll)
	assert.Equal(t, OutcomeFailed, outcome)
	require.True(t, IsIntegrity(err))

	var pe *PersistenceIntegrityError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "accept edit", pe.Op)
	assert.Equal(t, "s1", pe.Key)
	assert.Contains(t, err.Error(), "affected no rows")
}

func TestRunPass_NoCandidatesCompletes(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(3)...)
	gen := &mockGenerator{generateFn: extend}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	spec := PassSpec{Number: 1, Name: "intro", Kind: prompt.KindIntro, Selector: SelectAllow, Allow: []string{"missing"}}
	outcome, err := e.RunPass(context.Background(), "j1", spec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Zero(t, gen.count())

	job := repo.job("j1")
	assert.Equal(t, document.PassCompleted, job.PassState(1))
	assert.Equal(t, 2, job.CurrentPass)
	assert.Equal(t, 3, job.CompletedSections)
}

func TestRunPass_CompletedPassIsSkipped(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(2)...)
	repo.jobs["j1"].Passes[1] = document.PassCompleted
	gen := &mockGenerator{generateFn: extend}
	e := newTestEngine(t, repo, gen, DefaultConfig())

	outcome, err := e.RunPass(context.Background(), "j1", polishAll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Zero(t, gen.count())
}

func TestRunPass_RejectsGoingBackwards(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(2)...)
	repo.jobs["j1"].CurrentPass = 3
	e := newTestEngine(t, repo, &mockGenerator{generateFn: extend}, DefaultConfig())

	_, err := e.RunPass(context.Background(), "j1", polishAll)
	var te *document.TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestRunPass_NoSectionsIsConfigurationError(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1")
	e := newTestEngine(t, repo, &mockGenerator{generateFn: extend}, DefaultConfig())

	_, err := e.RunPass(context.Background(), "j1", polishAll)
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestRunPass_EmitsEvents(t *testing.T) {
	repo := newMemRepo()
	repo.addJob("j1", proseBodies(2)...)
	var kinds []EventKind
	e, err := New(Deps{
		Repo:      repo,
		Generator: &mockGenerator{generateFn: extend},
		Languages: lang.MustLoad(),
		Logger:    discardLogger(),
		Notifier:  NotifierFunc(func(ev Event) { kinds = append(kinds, ev.Kind) }),
	}, DefaultConfig())
	require.NoError(t, err)

	_, err = e.RunPass(context.Background(), "j1", polishAll)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventPassStarted, EventAccepted, EventAccepted, EventCheckpoint, EventPassCompleted}, kinds)
}
