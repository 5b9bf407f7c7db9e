package core

import (
	"regexp"
	"strings"

	"github.com/pulsefit/coach/internal/store"
)

// The model is instructed to answer in three labeled sections. Markers are
// matched case-insensitively and may carry markdown decoration around them
// ("## MAIN ANSWER", "**Main Answer:**").
var sectionMarker = regexp.MustCompile(`(?i)(?:[#*]+[ \t]*)?(MAIN ANSWER|ADDITIONAL INFO|PERSONALIZED TIPS)[ \t]*[:*]*`)

var sectionRank = map[string]int{
	"main answer":       0,
	"additional info":   1,
	"personalized tips": 2,
}

// ParseStructured splits raw model output into the three-section answer.
// The grammar is three ordered, optional segments, each greedy until the
// next marker or end of text. Markers appearing out of order are treated as
// plain content of the preceding section. With no markers at all the whole
// trimmed text becomes the main answer; that is a degraded result, not an
// error. Pure function.
func ParseStructured(raw string) store.StructuredAnswer {
	matches := sectionMarker.FindAllStringSubmatchIndex(raw, -1)

	type marker struct {
		rank  int
		start int
		end   int
	}
	var accepted []marker
	next := 0
	for _, m := range matches {
		rank := sectionRank[strings.ToLower(raw[m[2]:m[3]])]
		if rank < next {
			continue
		}
		accepted = append(accepted, marker{rank: rank, start: m[0], end: m[1]})
		next = rank + 1
	}

	if len(accepted) == 0 {
		return store.StructuredAnswer{MainAnswer: strings.TrimSpace(raw)}
	}

	var sections [3]string
	for i, mk := range accepted {
		end := len(raw)
		if i+1 < len(accepted) {
			end = accepted[i+1].start
		}
		sections[mk.rank] = strings.TrimSpace(raw[mk.end:end])
	}

	return store.StructuredAnswer{
		MainAnswer:       sections[0],
		AdditionalInfo:   sections[1],
		PersonalizedTips: sections[2],
	}
}
