// Package paths provides path resolution for the on-disk coordination layout.
package paths

import (
	"path/filepath"
)

// Layout describes the on-disk coordination layout rooted at <project>/.claude/.
//
//	.claude/communications/messages.db          - the store file (plus WAL sidecars)
//	.claude/communications/protocol_version.txt - single-line protocol version
//	.claude/artifacts/                          - large payload blobs referenced by path
//	.claude/votes/<vote_id>.json                - ballot documents
type Layout struct {
	ProjectRoot string
}

// Resolve normalizes a project root into a Layout.
// An empty path means the current directory. A path that already ends in
// .claude is accepted as the coordination directory itself.
func Resolve(projectRoot string) Layout {
	if projectRoot == "" {
		projectRoot = "."
	}
	projectRoot = filepath.Clean(projectRoot)

	// Accept either the project dir or the .claude dir directly.
	if filepath.Base(projectRoot) == ".claude" {
		projectRoot = filepath.Dir(projectRoot)
	}

	return Layout{ProjectRoot: projectRoot}
}

// ClaudeDir returns the coordination root directory.
func (l Layout) ClaudeDir() string {
	return filepath.Join(l.ProjectRoot, ".claude")
}

// CommunicationsDir returns the directory holding the store file.
func (l Layout) CommunicationsDir() string {
	return filepath.Join(l.ClaudeDir(), "communications")
}

// DBPath returns the path of the store file.
func (l Layout) DBPath() string {
	return filepath.Join(l.CommunicationsDir(), "messages.db")
}

// ProtocolVersionPath returns the path of the protocol version token file.
func (l Layout) ProtocolVersionPath() string {
	return filepath.Join(l.CommunicationsDir(), "protocol_version.txt")
}

// ArtifactsDir returns the directory for large payload blobs.
func (l Layout) ArtifactsDir() string {
	return filepath.Join(l.ClaudeDir(), "artifacts")
}

// VotesDir returns the directory holding ballot documents.
func (l Layout) VotesDir() string {
	return filepath.Join(l.ClaudeDir(), "votes")
}

// VotePath returns the ballot document path for a vote id.
func (l Layout) VotePath(voteID string) string {
	return filepath.Join(l.VotesDir(), voteID+".json")
}
