package workflow

import (
	"fmt"
	"slices"
	"strings"
)

const (
	TriggerKindPush        string = "push"
	TriggerKindPullRequest string = "pull_request"
	TriggerKindRelease     string = "release"
)

// Event is one incoming repository event. Branch is the short branch
// name for push/pull_request events; ReleaseType carries the release
// event's type (created, published, ...).
type Event struct {
	Kind        string `json:"kind"`
	Branch      string `json:"branch,omitempty"`
	ReleaseType string `json:"release_type,omitempty"`
	Sha         string `json:"sha,omitempty"`

	Repo *Repo `json:"repo,omitempty"`
}

type Repo struct {
	Name     string `json:"name"`
	CloneURL string `json:"clone_url"`
}

func (e Event) String() string {
	switch e.Kind {
	case TriggerKindRelease:
		return fmt.Sprintf("%s[%s]", e.Kind, e.ReleaseType)
	default:
		return fmt.Sprintf("%s[%s]", e.Kind, e.Branch)
	}
}

// BranchFromRef shortens a git ref to a branch name. Non-branch refs
// are returned unchanged.
func BranchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// Match reports whether the event should trigger this definition: the
// event's kind must be declared under `on:` and the event must pass the
// declared filter. Pure, no side effects; unmatched events make the
// scheduler skip the run entirely.
func (d *Definition) Match(ev Event) bool {
	return d.On.Match(ev)
}

func (t Triggers) Match(ev Event) bool {
	switch ev.Kind {
	case TriggerKindPush:
		return t.Push != nil && t.Push.MatchBranch(ev.Branch)
	case TriggerKindPullRequest:
		return t.PullRequest != nil && t.PullRequest.MatchBranch(ev.Branch)
	case TriggerKindRelease:
		return t.Release != nil && t.Release.MatchType(ev.ReleaseType)
	}
	return false
}

// MatchBranch applies the branch filter. A declared kind with no branch
// list matches any branch of that kind.
func (f *BranchFilter) MatchBranch(branch string) bool {
	if len(f.Branches) == 0 {
		return true
	}
	return slices.Contains(f.Branches, branch)
}

// MatchType applies the release-type filter. An empty type list matches
// any release type.
func (f *ReleaseFilter) MatchType(typ string) bool {
	if len(f.Types) == 0 {
		return true
	}
	return slices.Contains(f.Types, typ)
}
