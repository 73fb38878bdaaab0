package tasks

import "testing"

func TestParseType(t *testing.T) {
	cases := []struct {
		in   string
		want Type
	}{
		{"sentiment_analysis", TypeSentimentAnalysis},
		{"summarization", TypeSummarization},
		{"classification", TypeClassification},
		{"question_answering", TypeQuestionAnswering},
		{"general_analysis", TypeGeneralAnalysis},
		{"", TypeGeneralAnalysis},
		{"something_else", TypeGeneralAnalysis},
	}

	for _, tc := range cases {
		if got := ParseType(tc.in); got != tc.want {
			t.Errorf("ParseType(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	task := Task{ID: "x", Text: "", Type: TypeSentimentAnalysis}
	if err := task.Validate(); err != ErrEmptyText {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}

	task.Text = "some input"
	if err := task.Validate(); err != nil {
		t.Errorf("Expected valid task, got %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() || StatusStarted.Terminal() {
		t.Error("PENDING and STARTED must not be terminal")
	}
	if !StatusSuccess.Terminal() || !StatusFailure.Terminal() {
		t.Error("SUCCESS and FAILURE must be terminal")
	}
}
