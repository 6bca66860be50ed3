package purchases

// UpdateKind distinguishes additions to the purchased set from removals, so
// feed consumers never have to guess which side of a revocation they saw.
type UpdateKind uint8

const (
	UpdateKindAdded UpdateKind = iota
	UpdateKindRemoved
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateKindAdded:
		return "added"
	case UpdateKindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Update is the event published on the Manager's feed whenever the purchased
// product set changes.
type Update struct {
	ProductID string
	Kind      UpdateKind
}
