package checkout

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDeclined Status = "DECLINED"
	StatusExpired  Status = "EXPIRED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:  {StatusApproved: true, StatusDeclined: true, StatusExpired: true},
	StatusApproved: {},
	StatusDeclined: {},
	StatusExpired:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal statuses absorb: no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDeclined || s == StatusExpired
}
