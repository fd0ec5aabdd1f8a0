package store

import "regexp"

// regexpMatch compiles pattern on every call. Command-regex filtering is an
// occasional, operator-driven query (GET /jobs?command_regex=...), not a
// hot path, so no compiled-pattern cache is warranted.
func regexpMatch(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
