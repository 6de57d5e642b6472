package status

// Status describes where a download job is in its lifecycle. The values are
// stable strings because they are persisted and served over the API.
type Status string

const (
	Queued   Status = "queued"
	Started  Status = "started"
	Finished Status = "finished"
	Failed   Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == Finished || s == Failed
}
