// Package resource defines the transferable content graph: typed nodes for
// every journal entity, the arena-backed graph that owns them, and the
// static structure tree describing how resource types nest inside each
// other on both publishing platforms.
//
// # Overview
//
// The resource package provides:
//   - A fixed enumeration of transferable resource types
//   - Per-node stage state with enforced ordering (Indexed → Fetched → Pushed)
//   - An arena-backed graph keyed by (type, uuid) for cheap persistence
//     and concurrent access
//   - Deterministic uuid derivation from source record keys
//   - The nesting structure shared by index, fetch, and push passes
//
// # Stage ordering
//
// A node can never be fetched before it is indexed, nor pushed before it
// is fetched, and a child never outruns its parent. Advance enforces both
// rules so every caller shares one implementation of the invariant.
package resource

import (
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cdlib/journal-transporter/pkg/errors"
)

// Type identifies one transferable resource kind. Values double as the
// container names in the resource store layout, so they are plural except
// for response, which the wire contract keeps singular.
type Type string

const (
	TypeUsers            Type = "users"
	TypeJournals         Type = "journals"
	TypeRoles            Type = "roles"
	TypeSections         Type = "sections"
	TypeIssues           Type = "issues"
	TypeReviewForms      Type = "review_forms"
	TypeElements         Type = "elements"
	TypeArticles         Type = "articles"
	TypeEditors          Type = "editors"
	TypeAuthors          Type = "authors"
	TypeFiles            Type = "files"
	TypeLogEntries       Type = "log_entries"
	TypeRevisionRequests Type = "revision_requests"
	TypeRounds           Type = "rounds"
	TypeAssignments      Type = "assignments"
	TypeResponse         Type = "response"
)

// singulars maps container names to the detail document name used inside
// a uuid container. The type set is closed, so a table beats a pluralizer.
var singulars = map[Type]string{
	TypeUsers:            "user",
	TypeJournals:         "journal",
	TypeRoles:            "role",
	TypeSections:         "section",
	TypeIssues:           "issue",
	TypeReviewForms:      "review_form",
	TypeElements:         "element",
	TypeArticles:         "article",
	TypeEditors:          "editor",
	TypeAuthors:          "author",
	TypeFiles:            "file",
	TypeLogEntries:       "log_entry",
	TypeRevisionRequests: "revision_request",
	TypeRounds:           "round",
	TypeAssignments:      "assignment",
	TypeResponse:         "response",
}

// Singular returns the detail document base name for the type.
func (t Type) Singular() string {
	if s, ok := singulars[t]; ok {
		return s
	}
	return string(t)
}

// Valid reports whether t belongs to the fixed enumeration.
func (t Type) Valid() bool {
	_, ok := singulars[t]
	return ok
}

// StageState tracks how far a node has progressed through the pipeline.
type StageState int

const (
	StateNotIndexed StageState = iota
	StateIndexed
	StateFetched
	StatePushed
	// StateFailed is terminal for the run; the node keeps its last error
	StateFailed
)

// String implements fmt.Stringer
func (s StageState) String() string {
	switch s {
	case StateNotIndexed:
		return "not_indexed"
	case StateIndexed:
		return "indexed"
	case StateFetched:
		return "fetched"
	case StatePushed:
		return "pushed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage_state(%d)", int(s))
	}
}

// FileRef references one binary attachment fetched alongside a node's
// detail document. Valid only once the node is Fetched.
type FileRef struct {
	Name      string `json:"name"`
	SourceKey string `json:"source_record_key"`
	Size      int64  `json:"size,omitempty"`
}

// Node is one conceptual entity in the transfer graph. Parent is an index
// into the owning graph's arena, or NoParent for roots.
type Node struct {
	Type   Type
	UUID   uuid.UUID
	Parent int

	// SourceKey is the upstream record key the uuid was derived from
	SourceKey string
	// KeyAttributes is the small lookup document captured at index time
	KeyAttributes gojson.RawMessage
	// Detail is the full document, populated at fetch time
	Detail gojson.RawMessage
	// AttachedFiles are binary blob references fetched with the detail
	AttachedFiles []FileRef

	State     StageState
	LastError string
	// TargetID is the target-assigned identifier recorded at push time
	TargetID string
	PushedAt time.Time
}

// NoParent marks a root node.
const NoParent = -1

// UUIDFor derives the stable uuid for a source record key within a run
// namespace. The derivation is version-5 style, so re-indexing an
// unchanged source reproduces the identical uuid set.
func UUIDFor(namespace uuid.UUID, sourceKey string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(sourceKey))
}

// validateTransition returns an error when moving from to next would skip
// a stage or move backwards. Failed is reachable from any state.
func validateTransition(from, next StageState) error {
	if next == StateFailed {
		return nil
	}
	if next != from+1 {
		return errors.New(errors.ErrorTypeInternal,
			fmt.Sprintf("invalid stage transition %s -> %s", from, next))
	}
	return nil
}
