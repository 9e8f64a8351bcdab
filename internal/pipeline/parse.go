package pipeline

import (
	"regexp"
	"strings"
)

var (
	unitRe = regexp.MustCompile(`\b[A-Za-z0-9@_-]+\.(?:service|timer|socket|target)\b`)
	pathRe = regexp.MustCompile(`(?:^|\s)(/[A-Za-z0-9._/-]+)`)
)

// intentVerbs maps leading keywords to intents, checked in order.
var intentVerbs = []struct{ word, intent string }{
	{"restart", "restart_service"},
	{"stop", "stop_service"},
	{"start", "start_service"},
	{"status", "inspect"},
	{"check", "inspect"},
	{"alert", "alert_user"},
	{"notify", "alert_user"},
	{"delete", "delete"},
	{"remove", "delete"},
	{"edit", "write_config"},
	{"configure", "write_config"},
}

// parseInput derives a coarse intent and the units and paths named in text.
func parseInput(text string) (string, map[string]string) {
	entities := map[string]string{}
	if m := unitRe.FindString(text); m != "" {
		entities["service"] = m
	}
	if m := pathRe.FindStringSubmatch(text); m != nil {
		entities["path"] = m[1]
	}

	intent := "unknown"
	lower := strings.ToLower(text)
	for _, f := range strings.Fields(lower) {
		for _, v := range intentVerbs {
			if strings.HasPrefix(f, v.word) {
				return v.intent, entities
			}
		}
	}
	return intent, entities
}
