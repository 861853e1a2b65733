package client

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// PrintReport renders rep as a human-readable pass/fail summary, matching
// the case runner's use from cmd/robin (spec.md §4.12).
func PrintReport(w io.Writer, rep *Report) {
	name := rep.Case.Name
	if name == "" {
		name = rep.Case.Route.Addr()
	}

	if rep.ConversationErr != nil {
		color.New(color.FgRed, color.Bold).Fprintf(w, "FAIL")
		fmt.Fprintf(w, " %s: conversation error: %v\n", name, rep.ConversationErr)
		return
	}

	passed := groupPassed(rep.SMTPGroup, rep.Case.Assertions.SMTP) && allPassed(rep.MTAGroups)
	if passed {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "PASS")
	} else {
		color.New(color.FgRed, color.Bold).Fprintf(w, "FAIL")
	}
	fmt.Fprintf(w, " %s\n", name)

	printGroup(w, "smtp", rep.SMTPGroup)
	for i, g := range rep.MTAGroups {
		printGroup(w, fmt.Sprintf("mta[%d]", i), g)
	}
}

func groupPassed(g GroupResult, rules []MatchRule) bool {
	if len(rules) == 0 {
		return true
	}
	return g.Passed
}

func allPassed(groups []GroupResult) bool {
	for _, g := range groups {
		if !g.Passed {
			return false
		}
	}
	return true
}

func printGroup(w io.Writer, label string, g GroupResult) {
	for _, rr := range g.Rules {
		mark := color.New(color.FgGreen).Sprint("ok")
		if !rr.Matched {
			mark = color.New(color.FgRed).Sprint("missing")
		}
		fmt.Fprintf(w, "  [%s] %s %q  %s\n", label, mark, rr.Rule.Pattern, rr.Rule.VerbFilter)
	}
}
