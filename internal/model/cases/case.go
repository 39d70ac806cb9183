package cases

// Case is the summary a client receives in a CASE_LIST frame.
type Case struct {
	ID          string `json:"id" yaml:"id"`
	CrimeNumber string `json:"crimeNumber" yaml:"crime_number"`
	Title       string `json:"title" yaml:"title"`
	Status      string `json:"status" yaml:"status"`
	OfficerID   string `json:"officerId,omitempty" yaml:"officer_id"`
	VictimID    string `json:"victimId,omitempty" yaml:"victim_id"`
	OpenedOn    string `json:"openedOn,omitempty" yaml:"opened_on"`
}

// Seed provides the demo case list used when no cases are configured.
func Seed() []Case {
	return []Case{
		{
			ID:          "case1",
			CrimeNumber: "CRI1/24",
			Title:       "Burglary at residential address",
			Status:      "open",
			OfficerID:   "off1",
			VictimID:    "victim-michael",
			OpenedOn:    "2024-01-15",
		},
		{
			ID:          "case2",
			CrimeNumber: "CRI2/24",
			Title:       "Theft of bicycle",
			Status:      "under-investigation",
			OfficerID:   "off1",
			VictimID:    "victim-michael",
			OpenedOn:    "2024-02-03",
		},
		{
			ID:          "case3",
			CrimeNumber: "CRI3/24",
			Title:       "Criminal damage to vehicle",
			Status:      "closed",
			OfficerID:   "off2",
			VictimID:    "victim-michael",
			OpenedOn:    "2024-03-21",
		},
	}
}
