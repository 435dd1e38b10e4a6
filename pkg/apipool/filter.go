package apipool

import (
	"strings"

	"github.com/go-go-golems/toolsmith/pkg/dialogue"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
)

// Filter keeps the APIs whose category matches one of the glob patterns.
// APIs without a category match as "uncategorized". No patterns keeps
// everything.
func Filter(apis []dialogue.ApiSpec, patterns []string) ([]dialogue.ApiSpec, error) {
	if len(patterns) == 0 {
		return apis, nil
	}
	var ret []dialogue.ApiSpec
	for _, a := range apis {
		c := category(a)
		for _, p := range patterns {
			matching, err := glob.Match(strings.ToLower(p), c)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid category pattern %q", p)
			}
			if matching {
				ret = append(ret, a)
				break
			}
		}
	}
	return ret, nil
}
