package coord

import (
	"strings"
	"testing"
)

func TestReportUsageComputesCost(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-a") // $3/M input, $15/M output

	// 1M input + 0.5M output = $3.00 + $7.50 = $10.50 against a $100 budget.
	res, err := callTool(t, f.srv, "report_usage", map[string]any{
		"agentId":      "agent-a",
		"tokensInput":  float64(1_000_000),
		"tokensOutput": float64(500_000),
		"taskId":       "task-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "$10.5000") {
		t.Errorf("cost missing: %q", text)
	}
	if !strings.Contains(text, "$10.50 of $100.00 (10.5%)") {
		t.Errorf("budget summary missing: %q", text)
	}

	budget, err := f.st.GetBudget("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if budget.Spent != 10.5 {
		t.Errorf("spent = %v, want 10.5", budget.Spent)
	}
}

func TestReportUsageBudgetExceededNotFatal(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-a")

	// $45 per call; the third call crosses the $100 budget.
	for i := 0; i < 3; i++ {
		res, err := callTool(t, f.srv, "report_usage", map[string]any{
			"agentId":      "agent-a",
			"tokensInput":  float64(10_000_000),
			"tokensOutput": float64(1_000_000),
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.IsError {
			t.Fatalf("exceeding the budget must not fail the tool: %s", resultText(t, res))
		}
		if i == 2 && !strings.Contains(resultText(t, res), "BUDGET EXCEEDED") {
			t.Errorf("exceeded warning missing: %q", resultText(t, res))
		}
	}
}

func TestReportUsageUnknownAgent(t *testing.T) {
	f := newFixture(t)
	res, err := callTool(t, f.srv, "report_usage", map[string]any{
		"agentId": "ghost", "tokensInput": float64(10), "tokensOutput": float64(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("unknown agent should be an error result")
	}
}

func TestGetBudget(t *testing.T) {
	f := newFixture(t)
	res, err := callTool(t, f.srv, "get_budget", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, res), "Spent $0.00 of $100.00") {
		t.Errorf("budget = %q", resultText(t, res))
	}
}
