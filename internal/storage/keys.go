package storage

import (
	"strings"

	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

// DefaultNamespace prefixes every key unless configured otherwise.
const DefaultNamespace = "mediaqueue"

// Keys builds namespaced key names so a shared backend never collides with
// unrelated data.
//
//	<ns>:task:<id>               task record
//	<ns>:lane:<stage>:<priority> queue lane
//	<ns>:lane:failed             failed lane
//	<ns>:dedup:<hash>            duplicate index
type Keys struct {
	Namespace string
}

// NewKeys returns a Keys for ns, falling back to DefaultNamespace.
func NewKeys(ns string) Keys {
	ns = strings.TrimSuffix(strings.TrimSpace(ns), ":")
	if ns == "" {
		ns = DefaultNamespace
	}
	return Keys{Namespace: ns}
}

func (k Keys) prefix() string { return k.Namespace + ":" }

// Task returns the record key for a task.
func (k Keys) Task(id types.TaskID) string { return k.prefix() + "task:" + string(id) }

// TaskPrefix is the scan prefix covering all task records.
func (k Keys) TaskPrefix() string { return k.prefix() + "task:" }

// TaskIDFromKey strips the task prefix. ok is false for foreign keys.
func (k Keys) TaskIDFromKey(key string) (types.TaskID, bool) {
	if !strings.HasPrefix(key, k.TaskPrefix()) {
		return "", false
	}
	return types.TaskID(strings.TrimPrefix(key, k.TaskPrefix())), true
}

// Lane returns the list name for one (stage, priority) pair.
func (k Keys) Lane(stage types.Stage, p types.Priority) string {
	return k.prefix() + "lane:" + string(stage) + ":" + p.String()
}

// FailedLane holds ids of tasks that ended in FAILED, for operator inspection.
func (k Keys) FailedLane() string { return k.prefix() + "lane:failed" }

// Dedup returns the duplicate-index key for a fingerprint.
func (k Keys) Dedup(fingerprint string) string { return k.prefix() + "dedup:" + fingerprint }

// DedupPrefix is the scan prefix covering the duplicate index.
func (k Keys) DedupPrefix() string { return k.prefix() + "dedup:" }
