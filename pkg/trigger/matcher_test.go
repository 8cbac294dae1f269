package trigger

import (
	"testing"
	"time"

	"github.com/dukex/careflow/pkg/log"
	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keywordDefinition(id string, matchType models.MatchType, keywords ...string) *models.WorkflowDefinition {
	return testutil.CreateTestDefinition(
		[]models.Node{
			testutil.KeywordTrigger("kw", matchType, keywords...),
			testutil.Action("reply", models.ActionSendKakao, "thanks"),
		},
		[]models.Edge{testutil.Edge("kw", "reply")},
		testutil.WithID(id),
		testutil.WithTriggerType(models.TriggerKeywordReceived),
	)
}

func TestMatcher_Keywords(t *testing.T) {
	matcher := NewMatcher(log.Discard())

	tests := []struct {
		name      string
		matchType models.MatchType
		keywords  []string
		content   string
		expected  bool
	}{
		{name: "contains is case insensitive", matchType: models.MatchContains, keywords: []string{"Survey"}, content: "I finished the SURVEY today", expected: true},
		{name: "contains trims the keyword", matchType: models.MatchContains, keywords: []string{"  pain "}, content: "some pain after surgery", expected: true},
		{name: "default match type is contains", keywords: []string{"yes"}, content: "yes please", expected: true},
		{name: "exact requires the whole message", matchType: models.MatchExact, keywords: []string{"yes"}, content: "yes please", expected: false},
		{name: "exact ignores surrounding space", matchType: models.MatchExact, keywords: []string{"YES"}, content: "  yes ", expected: true},
		{name: "no keyword present", matchType: models.MatchContains, keywords: []string{"refund"}, content: "hello", expected: false},
		{name: "empty content never matches", matchType: models.MatchContains, keywords: []string{"a"}, content: "  ", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := keywordDefinition("wf-kw", tt.matchType, tt.keywords...)

			results := matcher.Match(Event{Type: models.TriggerKeywordReceived, Content: tt.content}, []*models.WorkflowDefinition{def})

			if !tt.expected {
				assert.Empty(t, results)

				return
			}

			require.Len(t, results, 1)
			assert.Equal(t, "kw", results[0].Node.ID)
			assert.NotEmpty(t, results[0].Reason)
		})
	}
}

func TestMatcher_ExactScoresAboveContains(t *testing.T) {
	matcher := NewMatcher(log.Discard())

	contains := keywordDefinition("wf-contains", models.MatchContains, "yes")
	exact := keywordDefinition("wf-exact", models.MatchExact, "yes")

	results := matcher.Match(Event{Type: models.TriggerKeywordReceived, Content: "yes"}, []*models.WorkflowDefinition{contains, exact})

	require.Len(t, results, 2)
	assert.Equal(t, "wf-exact", results[0].Definition.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestMatcher_SkipsInactiveAndOtherTypes(t *testing.T) {
	matcher := NewMatcher(log.Discard())

	surgery := testutil.CreateTestDefinition(
		[]models.Node{testutil.Trigger("t", models.TriggerSurgeryCompleted), testutil.Action("a", models.ActionSendSMS, "x")},
		[]models.Edge{testutil.Edge("t", "a")},
		testutil.WithID("wf-surgery"),
	)
	inactive := testutil.CreateTestDefinition(
		[]models.Node{testutil.Trigger("t", models.TriggerSurgeryCompleted), testutil.Action("a", models.ActionSendSMS, "x")},
		[]models.Edge{testutil.Edge("t", "a")},
		testutil.WithID("wf-inactive"),
		testutil.WithInactive(),
	)
	manual := testutil.CreateTestDefinition(
		[]models.Node{testutil.Trigger("t", models.TriggerManual), testutil.Action("a", models.ActionSendSMS, "x")},
		[]models.Edge{testutil.Edge("t", "a")},
		testutil.WithID("wf-manual"),
	)

	results := matcher.Match(Event{Type: models.TriggerSurgeryCompleted}, []*models.WorkflowDefinition{surgery, inactive, manual})

	require.Len(t, results, 1)
	assert.Equal(t, "wf-surgery", results[0].Definition.ID)
}

func TestMatcher_CancellationReasons(t *testing.T) {
	matcher := NewMatcher(log.Discard())

	filtered := testutil.CreateTestDefinition(
		[]models.Node{
			{
				ID:      "t",
				Type:    models.NodeTypeTrigger,
				SubType: models.TriggerAppointmentCancelled,
				Config:  map[string]any{"cancellation_reasons": []any{"price", "schedule"}},
			},
			testutil.Action("a", models.ActionSendSMS, "x"),
		},
		[]models.Edge{testutil.Edge("t", "a")},
		testutil.WithID("wf-filtered"),
	)
	unfiltered := testutil.CreateTestDefinition(
		[]models.Node{testutil.Trigger("t", models.TriggerAppointmentCancelled), testutil.Action("a", models.ActionSendSMS, "x")},
		[]models.Edge{testutil.Edge("t", "a")},
		testutil.WithID("wf-any"),
	)
	defs := []*models.WorkflowDefinition{unfiltered, filtered}

	results := matcher.Match(Event{Type: models.TriggerAppointmentCancelled, CancellationReason: "price"}, defs)
	require.Len(t, results, 2)
	assert.Equal(t, "wf-filtered", results[0].Definition.ID)

	results = matcher.Match(Event{Type: models.TriggerAppointmentCancelled, CancellationReason: "moved away"}, defs)
	require.Len(t, results, 1)
	assert.Equal(t, "wf-any", results[0].Definition.ID)
}

func TestMatcher_ScheduleDueInWindow(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	matcher := NewMatcher(log.Discard(), WithLocation(seoul))

	def := testutil.CreateTestDefinition(
		[]models.Node{testutil.ScheduleTrigger("daily", "0 9 * * *"), testutil.Action("a", models.ActionSendSMS, "x")},
		[]models.Edge{testutil.Edge("daily", "a")},
		testutil.WithTriggerType(models.TriggerSchedule),
	)
	defs := []*models.WorkflowDefinition{def}

	nine := time.Date(2025, 3, 7, 9, 0, 0, 0, seoul)

	tests := []struct {
		name     string
		from, to time.Time
		expected bool
	}{
		{name: "tick ending at the due minute", from: nine.Add(-time.Minute), to: nine, expected: true},
		{name: "tick after the due minute", from: nine, to: nine.Add(time.Minute), expected: false},
		{name: "long gap covering the due time", from: nine.Add(-3 * time.Hour), to: nine.Add(time.Hour), expected: true},
		{name: "same instant in another zone", from: nine.Add(-time.Minute).UTC(), to: nine.UTC(), expected: true},
		{name: "empty window", from: nine, to: nine, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := matcher.Match(Event{Type: models.TriggerSchedule, From: tt.from, To: tt.to}, defs)

			assert.Equal(t, tt.expected, len(results) == 1)
		})
	}
}

func TestMatcher_InvalidCronNeverMatches(t *testing.T) {
	matcher := NewMatcher(log.Discard())

	def := testutil.CreateTestDefinition(
		[]models.Node{testutil.ScheduleTrigger("daily", "every morning"), testutil.Action("a", models.ActionSendSMS, "x")},
		[]models.Edge{testutil.Edge("daily", "a")},
	)

	now := time.Now()
	results := matcher.Match(Event{Type: models.TriggerSchedule, From: now.Add(-24 * time.Hour), To: now}, []*models.WorkflowDefinition{def})

	assert.Empty(t, results)
}

func TestAppointmentTrigger(t *testing.T) {
	tests := map[string]string{
		"completed": models.TriggerAppointmentCompleted,
		"cancelled": models.TriggerAppointmentCancelled,
		"no_show":   models.TriggerAppointmentNoShow,
	}

	for status, expected := range tests {
		triggerType, ok := AppointmentTrigger(status)
		assert.True(t, ok)
		assert.Equal(t, expected, triggerType)
	}

	_, ok := AppointmentTrigger("scheduled")
	assert.False(t, ok)
}
