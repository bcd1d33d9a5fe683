package chat

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/stylehive/stylist/pkg/catalog"
	"github.com/stylehive/stylist/pkg/upstream"
)

// Stage accumulates one advisory phase of the response. Text grows
// token-by-token; references and the completed flag are set when the stage's
// closing reference event arrives.
type Stage struct {
	ID         int
	Name       string
	text       strings.Builder
	References []catalog.ResolvedReference
	Completed  bool
}

func (s *Stage) Text() string { return s.text.String() }

// StageResult is the immutable outcome of one completed stage.
type StageResult struct {
	StageID    int
	StageName  string
	Text       string
	References []catalog.ResolvedReference
}

// StageSet holds the ordered stage list plus the completed counter the active
// stage is derived from. Stages complete strictly in list order; once all are
// done the active index clamps to the last stage so late events never fault.
type StageSet struct {
	stages         []*Stage
	completedCount int
}

func NewStageSet(cfgs []upstream.StageConfig) (*StageSet, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("chat: empty stage list")
	}
	stages := make([]*Stage, len(cfgs))
	for i, c := range cfgs {
		stages[i] = &Stage{ID: i, Name: c.Name}
	}
	return &StageSet{stages: stages}, nil
}

func (ss *StageSet) Len() int            { return len(ss.stages) }
func (ss *StageSet) CompletedCount() int { return ss.completedCount }
func (ss *StageSet) AllCompleted() bool  { return ss.completedCount >= len(ss.stages) }

// Active returns the currently accumulating stage: stages[completedCount],
// clamped to the last index once everything finished.
func (ss *StageSet) Active() *Stage {
	idx := ss.completedCount
	if idx > len(ss.stages)-1 {
		idx = len(ss.stages) - 1
	}
	return ss.stages[idx]
}

// AppendToken appends a chunk to the active stage and returns it.
func (ss *StageSet) AppendToken(chunk string) *Stage {
	st := ss.Active()
	st.text.WriteString(chunk)
	return st
}

// CompleteActive closes the active stage with its resolved references and
// advances the pointer. Completing past the end is a no-op on the counter;
// the last stage simply absorbs the extra references.
func (ss *StageSet) CompleteActive(refs []catalog.ResolvedReference) StageResult {
	st := ss.Active()
	if ss.completedCount < len(ss.stages) {
		st.References = append(st.References, refs...)
		st.Completed = true
		ss.completedCount++
	} else {
		st.References = append(st.References, refs...)
	}
	return StageResult{
		StageID:    st.ID,
		StageName:  st.Name,
		Text:       st.Text(),
		References: append([]catalog.ResolvedReference(nil), st.References...),
	}
}

// Results returns the completed stages in order.
func (ss *StageSet) Results() []StageResult {
	out := make([]StageResult, 0, ss.completedCount)
	for _, st := range ss.stages {
		if !st.Completed {
			break
		}
		out = append(out, StageResult{
			StageID:    st.ID,
			StageName:  st.Name,
			Text:       st.Text(),
			References: append([]catalog.ResolvedReference(nil), st.References...),
		})
	}
	return out
}
