package tracker

import "slices"

// Workflow labels. An issue moves through curated → issue → building and may
// be parked in blocked; its pull request moves through review-requested and
// changes-requested until it is approved (pr).
const (
	LabelCurated          = "herd:curated"
	LabelIssue            = "herd:issue"
	LabelBuilding         = "herd:building"
	LabelBlocked          = "herd:blocked"
	LabelNeedsHuman       = "herd:needs-human"
	LabelReviewRequested  = "herd:review-requested"
	LabelChangesRequested = "herd:changes-requested"
	LabelPR               = "herd:pr"
	LabelArchitect        = "herd:architect"
)

// DefaultExclusiveGroups returns the label groups of which an item carries at
// most one label at a time.
func DefaultExclusiveGroups() [][]string {
	return [][]string{
		{LabelCurated, LabelIssue, LabelBuilding, LabelBlocked},
		{LabelReviewRequested, LabelChangesRequested, LabelPR},
	}
}

// Siblings returns the other labels in label's exclusive group.
func Siblings(groups [][]string, label string) []string {
	for _, g := range groups {
		if !slices.Contains(g, label) {
			continue
		}
		out := make([]string, 0, len(g)-1)
		for _, l := range g {
			if l != label {
				out = append(out, l)
			}
		}
		return out
	}
	return nil
}
