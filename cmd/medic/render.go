package main

import (
	"fmt"
	"io"
	"strings"

	"hostmedic/internal/doctor"
	"hostmedic/internal/ledger"
	"hostmedic/internal/types"
)

var resultMarks = map[types.StepResult]string{
	types.ResultPass:    "ok  ",
	types.ResultFail:    "FAIL",
	types.ResultPartial: "warn",
	types.ResultSkipped: "skip",
}

// renderResult prints the human summary of a handled request.
func renderResult(w io.Writer, res *doctor.Result) {
	if res.Selection == nil {
		fmt.Fprintln(w, res.Clarification)
		printCaseFooter(w, res)
		return
	}

	fmt.Fprintf(w, "%s\n", res.Selection.Primary.Name)
	fmt.Fprintf(w, "  %s\n", res.Selection.Reasoning)

	if res.Report != nil {
		fmt.Fprintf(w, "\nFindings (%s):\n", res.Report.Health)
		for _, f := range res.Report.Findings {
			fmt.Fprintf(w, "  [%s] %-22s %s\n", resultMarks[f.Result], f.StepName, f.Details)
			if f.Result != types.ResultPass && f.Implication != "" {
				fmt.Fprintf(w, "         %s\n", f.Implication)
			}
		}
	}
	if res.Secondary != nil {
		fmt.Fprintf(w, "\nAlso checked %s: %s\n", res.Secondary.SpecialistID, res.Secondary.Health)
	}

	if len(res.Hypotheses) > 0 {
		fmt.Fprintln(w, "\nLikely causes:")
		for i, h := range res.Hypotheses {
			fmt.Fprintf(w, "  %d. %s (%d%%)\n", i+1, h.Summary, h.Confidence)
			fmt.Fprintf(w, "     evidence: %s\n", strings.Join(h.EvidenceRefs, ", "))
			if h.ConfirmOrRefuteTest != "" {
				fmt.Fprintf(w, "     check:    %s\n", h.ConfirmOrRefuteTest)
			}
			if h.SuggestedPlaybook != "" {
				fmt.Fprintf(w, "     repair:   medic fix --playbook %s\n", h.SuggestedPlaybook)
			}
		}
	}
	if res.Diagnosis != nil {
		if res.Diagnosis.Disclaimer != "" {
			fmt.Fprintf(w, "\n%s\n", res.Diagnosis.Disclaimer)
		} else {
			fmt.Fprintf(w, "\nReliability: %d%%\n", res.Diagnosis.Score.Value)
		}
	}

	if res.Run != nil {
		fmt.Fprintf(w, "\nChange %s: %s\n", res.Run.PlaybookID, res.Run.State)
		for _, s := range res.Run.ExecutedSteps {
			fmt.Fprintf(w, "  %s -> %s\n", s.Forward, s.Summary)
		}
		for _, c := range res.Run.PostcheckResults {
			mark := "ok  "
			if !c.Passed {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "  [%s] %s\n", mark, c.Description)
		}
		if res.Run.RollbackPerformed {
			status := "succeeded"
			if !res.Run.RollbackOK {
				status = "FAILED"
			}
			fmt.Fprintf(w, "  rollback %s\n", status)
		}
	}
	if res.Err != nil {
		fmt.Fprintf(w, "\n%s: %v\n", types.KindOf(res.Err), res.Err)
	}
	printCaseFooter(w, res)
}

func printCaseFooter(w io.Writer, res *doctor.Result) {
	if res.RunID == "" {
		return
	}
	fmt.Fprintf(w, "\nCase %s (%s)\n", res.RunID, res.Outcome)
	if res.CasePath != "" {
		fmt.Fprintf(w, "  %s\n", res.CasePath)
	}
}

// renderStatus prints the ledger summary.
func renderStatus(w io.Writer, s ledger.Status, recent []ledger.Summary) {
	if s.Cases == 0 {
		fmt.Fprintln(w, "No cases recorded yet.")
		return
	}
	fmt.Fprintf(w, "Last case:    %s\n", s.LastRunID)
	fmt.Fprintf(w, "  outcome:    %s\n", s.LastOutcome)
	fmt.Fprintf(w, "  specialist: %s\n", s.LastSpecialist)
	fmt.Fprintf(w, "  reliability %d%%\n", s.LastReliability)
	fmt.Fprintf(w, "\nCases: %d   mutations attempted: %d   succeeded: %d   rolled back: %d\n",
		s.Cases, s.Attempted, s.Succeeded, s.RolledBack)

	if len(recent) > 0 {
		fmt.Fprintln(w, "\nRecent:")
		for _, c := range recent {
			fmt.Fprintf(w, "  %s  %-36s  %-10s %-12s %3d%%\n",
				c.CreatedAt.Format("2006-01-02 15:04"), c.RunID, c.Specialist, c.Outcome, c.Reliability)
		}
	}
}
