package tree

// InconsistencyError marks a tree inconsistency: a parent could not be
// found, or a reparent path lookup was ambiguous. The
// affected node is still created/updated with best-effort parenting (it
// is attached under the synthetic root); this error is returned alongside
// a successful result so the coordinator can log it. Nothing records it
// or requests a new full snapshot because of it.
type InconsistencyError struct {
	GUID   string
	Reason string
}

func (e *InconsistencyError) Error() string {
	return "tree: inconsistency for " + e.GUID + ": " + e.Reason
}
