// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package messaging

import (
	"strings"

	"github.com/juju/errors"
)

// MatchTopic reports whether the topic filter matches the concrete
// topic. Filters use MQTT semantics: "+" matches exactly one level,
// "#" matches any number of trailing levels, including none.
func MatchTopic(pattern, topic string) bool {
	levels := strings.Split(pattern, "/")
	parts := strings.Split(topic, "/")
	for i, level := range levels {
		if level == "#" {
			return i == len(levels)-1
		}
		if i >= len(parts) {
			return false
		}
		if level != "+" && level != parts[i] {
			return false
		}
	}
	return len(levels) == len(parts)
}

// ValidatePattern rejects filters that MQTT brokers would refuse:
// empty filters, "#" anywhere but the final level, and wildcards mixed
// into a level with other characters.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errors.NotValidf("empty topic filter")
	}
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		if level == "#" {
			if i != len(levels)-1 {
				return errors.NotValidf("topic filter %q: %q before final level", pattern, "#")
			}
			continue
		}
		if strings.ContainsAny(level, "#+") && level != "+" {
			return errors.NotValidf("topic filter %q: wildcard inside level %q", pattern, level)
		}
	}
	return nil
}
