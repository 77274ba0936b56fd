package announce

import (
	"golang.org/x/exp/slices"

	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

// Order returns the announcements sorted oldest first. Equal timestamps keep
// their input order. The input slice is not modified.
func Order(announcements []types.Announcement) []types.Announcement {
	ordered := slices.Clone(announcements)
	slices.SortStableFunc(ordered, func(a, b types.Announcement) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return ordered
}
