package models

import (
	"testing"
	"time"
)

func TestStageOrdering(t *testing.T) {
	if got := StageConcept.Index(); got != 0 {
		t.Errorf("expected concept at index 0, got %d", got)
	}
	if got := StageProse.Index(); got != len(StageOrder)-1 {
		t.Errorf("expected prose last, got index %d", got)
	}
	if StageKind("chapter").Valid() {
		t.Error("expected unknown stage to be invalid")
	}
	if StageKind("chapter").Index() != -1 {
		t.Error("expected unknown stage index -1")
	}

	if !StageCast.Before(StageOutline) {
		t.Error("expected cast before outline")
	}
	if StageOutline.Before(StageCast) {
		t.Error("expected outline not before cast")
	}

	up := StageOutline.Upstream()
	if len(up) != 4 || up[0] != StageConcept || up[3] != StageLocations {
		t.Errorf("unexpected upstream of outline: %v", up)
	}
	if StageConcept.Upstream() != nil {
		t.Error("expected concept to have no upstream")
	}

	down := StageBreakdown.Downstream()
	if len(down) != 1 || down[0] != StageProse {
		t.Errorf("unexpected downstream of breakdown: %v", down)
	}
	if StageProse.Downstream() != nil {
		t.Error("expected prose to have no downstream")
	}

	if !StageSetting.Optional() || StageCast.Optional() {
		t.Error("expected setting to be the only optional stage")
	}
	if !StageProse.Batched() || StageOutline.Batched() {
		t.Error("expected prose to be the only batched stage")
	}
}

func TestRating(t *testing.T) {
	tests := []struct {
		name string
		want Rating
		ok   bool
	}{
		{"failure", RatingFailure, true},
		{"acceptable", RatingAcceptable, true},
		{"good", RatingGood, true},
		{"excellent", RatingExcellent, true},
		{"mediocre", RatingFailure, false},
	}
	for _, tt := range tests {
		got, ok := ParseRating(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRating(%q) = (%v, %v), want (%v, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}

	if !RatingGood.Meets(RatingAcceptable) {
		t.Error("good should meet acceptable")
	}
	if RatingFailure.Meets(RatingAcceptable) {
		t.Error("failure should not meet acceptable")
	}
	if !RatingAcceptable.Meets(RatingAcceptable) {
		t.Error("a rating should meet itself")
	}
}

func TestLockStateTransitions(t *testing.T) {
	l := Unlocked()
	if l.Locked() {
		t.Error("fresh lock state should not be locked")
	}

	l = l.AddDependent()
	if l.Mode != LockSoft || l.Dependents != 1 {
		t.Errorf("after first dependent: %+v", l)
	}
	l = l.AddDependent()
	if l.Dependents != 2 {
		t.Errorf("expected 2 dependents, got %d", l.Dependents)
	}

	l = l.RemoveDependent()
	if l.Mode != LockSoft {
		t.Error("soft lock should survive while dependents remain")
	}
	l = l.RemoveDependent()
	if l.Mode != LockUnlocked || l.Locked() {
		t.Errorf("expected unlocked at zero dependents: %+v", l)
	}
}

func TestUserLockSticky(t *testing.T) {
	l := Unlocked().AddDependent().SetUserLock(true)
	if l.Mode != LockUser {
		t.Fatalf("expected user lock, got %s", l.Mode)
	}

	// Dependent churn must not displace the user lock.
	l = l.AddDependent()
	if l.Mode != LockUser || l.Dependents != 2 {
		t.Errorf("user lock displaced by AddDependent: %+v", l)
	}
	l = l.RemoveDependent()
	l = l.RemoveDependent()
	if l.Mode != LockUser {
		t.Errorf("user lock displaced by RemoveDependent: %+v", l)
	}

	// Unlock falls back to the state the dependents imply.
	l = l.SetUserLock(false)
	if l.Mode != LockUnlocked {
		t.Errorf("expected unlocked after clearing user lock with no dependents: %+v", l)
	}

	l = Unlocked().AddDependent().SetUserLock(true).SetUserLock(false)
	if l.Mode != LockSoft || l.Dependents != 1 {
		t.Errorf("expected fallback to soft lock: %+v", l)
	}
}

func TestArtifactClone(t *testing.T) {
	a := &StageArtifact{
		Stage:    StageConcept,
		Revision: 1,
		Content:  "premise",
		CritiqueHistory: []CritiqueEntry{
			{Round: 0, Rating: RatingAcceptable, CritiquedAt: time.Now()},
		},
	}
	cp := a.Clone()
	cp.CritiqueHistory[0].Rating = RatingExcellent
	cp.Content = "changed"

	if a.CritiqueHistory[0].Rating != RatingAcceptable {
		t.Error("clone shares critique history with original")
	}
	if a.Content != "premise" {
		t.Error("clone shares content with original")
	}
}

func TestBestRating(t *testing.T) {
	a := &StageArtifact{}
	if a.BestRating() != RatingFailure {
		t.Error("empty history should rate as failure")
	}
	a.CritiqueHistory = []CritiqueEntry{
		{Round: 0, Rating: RatingFailure},
		{Round: 1, Rating: RatingGood},
		{Round: 2, Rating: RatingAcceptable},
	}
	if a.BestRating() != RatingGood {
		t.Errorf("expected good, got %s", a.BestRating())
	}
}

func TestNextStage(t *testing.T) {
	p := NewProject("p1", "test")
	kind, ok := p.NextStage()
	if !ok || kind != StageConcept {
		t.Errorf("fresh project next stage = (%s, %v)", kind, ok)
	}

	for _, k := range StageOrder {
		p.Stages[k] = &StageArtifact{Stage: k, Revision: 1}
	}
	if _, ok := p.NextStage(); ok {
		t.Error("complete project should have no next stage")
	}

	delete(p.Stages, StageOutline)
	kind, ok = p.NextStage()
	if !ok || kind != StageOutline {
		t.Errorf("expected outline as next stage, got (%s, %v)", kind, ok)
	}
}

func TestEditPolicyValid(t *testing.T) {
	for _, p := range []EditPolicy{EditBranch, EditRegenerateCascade, EditMarkInconsistent} {
		if !p.Valid() {
			t.Errorf("expected %q valid", p)
		}
	}
	if EditPolicy("overwrite").Valid() {
		t.Error("expected unknown policy invalid")
	}
}
