package reference

import "regexp"

var (
	// nameComponentRegexp restricts repository path component names to start
	// with at least one letter or number, with following parts able to be
	// separated by one period, underscore or dash.
	nameComponentRegexp = regexp.MustCompile(`[a-z0-9]+(?:[._-][a-z0-9]+)*`)

	// NameRegexp is the format for the name component of references. Names
	// are a series of slash separated name components.
	NameRegexp = regexp.MustCompile(nameComponentRegexp.String() +
		`(?:/` + nameComponentRegexp.String() + `)*`)

	// anchoredNameRegexp is used to check a name value, anchored at the start
	// and end of the matched string.
	anchoredNameRegexp = regexp.MustCompile(`^` + NameRegexp.String() + `$`)

	// TagRegexp matches valid tag names. A tag name must begin with a word
	// character and can contain word characters, periods and dashes.
	TagRegexp = regexp.MustCompile(`[\w][\w.-]{0,127}`)

	// anchoredTagRegexp matches valid tag names, anchored at the start and
	// end of the matched string.
	anchoredTagRegexp = regexp.MustCompile(`^` + TagRegexp.String() + `$`)
)
