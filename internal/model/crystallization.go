package model

// Evidence collects the concrete artifacts a worker produced or touched
// while making progress.
type Evidence struct {
	Files        []string `json:"files,omitempty"`
	Commands     []string `json:"commands,omitempty"`
	Tests        []string `json:"tests,omitempty"`
	Commits      []string `json:"commits,omitempty"`
	PullRequests []string `json:"pull_requests,omitempty"`
	Issues       []string `json:"issues,omitempty"`
	ExternalRefs []string `json:"external_refs,omitempty"`
}

// Empty reports whether the evidence carries nothing at all.
func (e Evidence) Empty() bool {
	return len(e.Files) == 0 && len(e.Commands) == 0 && len(e.Tests) == 0 &&
		len(e.Commits) == 0 && len(e.PullRequests) == 0 && len(e.Issues) == 0 &&
		len(e.ExternalRefs) == 0
}

// Crystallization is an immutable progress snapshot. Records are only
// ever appended; the latest one per work node is the authoritative
// resume context after a worker restart.
type Crystallization struct {
	ID            string   `json:"id"`
	GoalID        string   `json:"goal_id"`
	WorkNodeID    string   `json:"work_node_id,omitempty"`
	SessionKey    string   `json:"session_key,omitempty"`
	Summary       string   `json:"summary"`
	CurrentState  string   `json:"current_state,omitempty"`
	Decisions     []string `json:"decisions,omitempty"`
	NextActions   []string `json:"next_actions,omitempty"`
	OpenQuestions []string `json:"open_questions,omitempty"`
	KnownBlockers []string `json:"known_blockers,omitempty"`
	Evidence      Evidence `json:"evidence,omitempty"`
	CreatedAt     int64    `json:"created_at"`
}
