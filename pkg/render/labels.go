package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/icos-project/polman/pkg/model"
)

// LabelSelector builds the PromQL label matchers selecting a subject.
// A value of "*" matches any non-empty value and a value wrapped in slashes
// is used as a regular expression. Terms are sorted and joined with ", ".
func LabelSelector(s model.Subject) string {
	fields := s.Fields()
	terms := make([]string, 0, len(fields))
	for field, value := range fields {
		terms = append(terms, selectorTerm(model.LabelName(field), value))
	}
	sort.Strings(terms)
	return strings.Join(terms, ", ")
}

func selectorTerm(label, value string) string {
	switch {
	case value == "*":
		return fmt.Sprintf(`%s=~".+"`, label)
	case len(value) >= 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/"):
		return fmt.Sprintf(`%s=~"%s"`, label, value[1:len(value)-1])
	default:
		return fmt.Sprintf(`%s="%s"`, label, value)
	}
}

// LabelList returns the sorted label names referenced by a subject, joined
// with ", ".
func LabelList(s model.Subject) string {
	fields := s.Fields()
	labels := make([]string, 0, len(fields))
	for field := range fields {
		labels = append(labels, model.LabelName(field))
	}
	sort.Strings(labels)
	return strings.Join(labels, ", ")
}
