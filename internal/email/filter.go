package email

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
)

// FilterQuery selects announcement mails: sent by Sender, and whose subject
// contains none of ExcludeSubjects.
type FilterQuery struct {
	Sender          string
	ExcludeSubjects []string
}

// NewFilterQuery creates a filter query. The exclusion list is copied.
func NewFilterQuery(sender string, excludeSubjects []string) FilterQuery {
	return FilterQuery{
		Sender:          sender,
		ExcludeSubjects: append([]string(nil), excludeSubjects...),
	}
}

// Criteria compiles the query into IMAP search criteria:
// FROM sender NOT (OR SUBJECT s1 (OR SUBJECT s2 ...)).
func (q FilterQuery) Criteria() *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("From", q.Sender)
	if len(q.ExcludeSubjects) > 0 {
		criteria.Not = []*imap.SearchCriteria{anySubject(q.ExcludeSubjects)}
	}
	return criteria
}

func anySubject(subjects []string) *imap.SearchCriteria {
	first := imap.NewSearchCriteria()
	first.Header.Add("Subject", subjects[0])
	if len(subjects) == 1 {
		return first
	}
	return &imap.SearchCriteria{
		Or: [][2]*imap.SearchCriteria{{first, anySubject(subjects[1:])}},
	}
}

// String renders the query in Gmail search syntax, for logs.
func (q FilterQuery) String() string {
	if len(q.ExcludeSubjects) == 0 {
		return "from:" + q.Sender
	}
	quoted := make([]string, len(q.ExcludeSubjects))
	for i, s := range q.ExcludeSubjects {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("from:%s -subject:(%s)", q.Sender, strings.Join(quoted, " OR "))
}
