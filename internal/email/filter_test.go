package email

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/require"
)

func TestFilterQueryCriteria(t *testing.T) {
	q := NewFilterQuery("messages@neolms.com", []string{"Graded: ", "Lesson ", "Status of "})

	got := q.Criteria().Format()
	require.Equal(t, []interface{}{
		imap.RawString("FROM"), "messages@neolms.com",
		imap.RawString("NOT"), []interface{}{
			imap.RawString("OR"),
			[]interface{}{imap.RawString("SUBJECT"), "Graded: "},
			[]interface{}{
				imap.RawString("OR"),
				[]interface{}{imap.RawString("SUBJECT"), "Lesson "},
				[]interface{}{imap.RawString("SUBJECT"), "Status of "},
			},
		},
	}, got)
}

func TestFilterQueryCriteriaWithoutExclusions(t *testing.T) {
	q := NewFilterQuery("messages@neolms.com", nil)

	got := q.Criteria().Format()
	require.Equal(t, []interface{}{imap.RawString("FROM"), "messages@neolms.com"}, got)
}

func TestFilterQueryCopiesExclusions(t *testing.T) {
	subjects := []string{"Graded: "}
	q := NewFilterQuery("messages@neolms.com", subjects)
	subjects[0] = "changed"

	require.Equal(t, []string{"Graded: "}, q.ExcludeSubjects)
}

func TestFilterQueryString(t *testing.T) {
	q := NewFilterQuery("messages@neolms.com", []string{"Graded: ", "Lesson "})
	require.Equal(t, `from:messages@neolms.com -subject:("Graded: " OR "Lesson ")`, q.String())

	require.Equal(t, "from:messages@neolms.com", NewFilterQuery("messages@neolms.com", nil).String())
}
