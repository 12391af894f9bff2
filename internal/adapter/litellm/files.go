package litellm

import "github.com/restackd/restack/internal/domain/job"

// fileChange maps one model-produced file entry to a domain FileChange.
// Unknown actions default to update rather than failing the whole result.
func fileChange(path, action, content, before string) job.FileChange {
	ct := job.ChangeType(action)
	switch ct {
	case job.ChangeCreate, job.ChangeUpdate, job.ChangeDelete:
	default:
		ct = job.ChangeUpdate
	}
	return job.FileChange{
		Path:   path,
		Type:   ct,
		Before: before,
		After:  content,
	}
}
