package suite

import (
	"fmt"
	"regexp"
)

// CompileRegexes compiles case selection patterns
func CompileRegexes(patterns []string) ([]*regexp.Regexp, error) {
	regexes := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid case regex %q: %w", p, err)
		}
		regexes = append(regexes, re)
	}
	return regexes, nil
}

func matchesCase(re *regexp.Regexp, c *Case) bool {
	if re.MatchString(c.Name) {
		return true
	}
	for _, tag := range c.Tags {
		if re.MatchString(tag) {
			return true
		}
	}
	return false
}

// RegexpSelection marks as skipped the cases that no regex matches, or that
// one matches when invertRegex is set. A regex matches a case by name or tag.
func RegexpSelection(regexes []*regexp.Regexp, invertRegex bool, suite *JUnitTestSuite) *JUnitTestSuite {
	if len(regexes) == 0 {
		return suite
	}

	for i, test := range suite.TestCases {
		matched := false
		for _, regex := range regexes {
			if matchesCase(regex, test.Case) {
				matched = true

				break
			}
		}
		// skip when it matched and we invert, or when it didn't and we don't
		if matched == invertRegex {
			suite.skip(i, "Regex selection")
		}
	}

	return suite
}
