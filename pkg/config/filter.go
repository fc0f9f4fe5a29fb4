package config

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/minicpan/minicpan/pkg/errors"
)

// Pattern is a single compiled reject-if-matched predicate.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// Match reports whether the pattern matches the candidate string.
func (p Pattern) Match(s string) bool {
	return p.re.MatchString(s)
}

func (p Pattern) String() string {
	return p.raw
}

// PatternList is an ordered list of reject-if-matched patterns. In the
// config file it may be written as either a single pattern or a list of
// patterns; both forms normalize to the same value at parse time, so the
// matching code never branches on shape.
type PatternList []Pattern

// NewPatternList compiles the given expressions into a PatternList.
// A malformed expression fails the whole list.
func NewPatternList(exprs []string) (PatternList, error) {
	var list PatternList
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, errors.New(fmt.Sprintf("bad filter pattern %q: %s", expr, err))
		}
		list = append(list, Pattern{raw: expr, re: re})
	}
	return list, nil
}

// AnyMatch reports whether any pattern in the list matches the candidate.
func (list PatternList) AnyMatch(s string) bool {
	for _, p := range list {
		if p.Match(s) {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts either a single string or a list of strings.
// The yaml config is converted to JSON before unmarshalling, so this
// covers both yaml shapes.
func (list *PatternList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parsed, err := NewPatternList([]string{single})
		if err != nil {
			return err
		}
		*list = parsed
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("filter must be a pattern or a list of patterns")
	}

	parsed, err := NewPatternList(many)
	if err != nil {
		return err
	}
	*list = parsed
	return nil
}

// MarshalJSON renders the list back as the list-of-strings form.
func (list PatternList) MarshalJSON() ([]byte, error) {
	exprs := make([]string, len(list))
	for i, p := range list {
		exprs[i] = p.raw
	}
	return json.Marshal(exprs)
}
