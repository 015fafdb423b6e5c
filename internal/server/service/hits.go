package service

import "strings"

// Classification marks a retrieval as human or automated traffic.
type Classification int

const (
	Human Classification = iota
	Bot
)

func (c Classification) String() string {
	if c == Bot {
		return "bot"
	}
	return "human"
}

// Classify applies the bot heuristic: a missing User-Agent, a missing
// Accept header, or a User-Agent containing "bot" (any case) counts as
// automated traffic. Everything else is human.
func Classify(userAgent, accept string) Classification {
	if userAgent == "" || accept == "" {
		return Bot
	}
	if strings.Contains(strings.ToLower(userAgent), "bot") {
		return Bot
	}
	return Human
}
