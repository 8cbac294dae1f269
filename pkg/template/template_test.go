package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender_Placeholders(t *testing.T) {
	vars := map[string]string{
		"patient_name": "Kim Minji",
		"surgery_type": "rhinoplasty",
	}

	result := Render("Hello {{patient_name}}, how is your {{ surgery_type }} recovery?", vars)

	assert.Equal(t, "Hello Kim Minji, how is your rhinoplasty recovery?", result)
}

func TestRender_UnresolvedBecomesEmpty(t *testing.T) {
	result := Render("Join at {{meeting_url}} on {{appointment_date}}.", map[string]string{"appointment_date": "03-10"})

	assert.Equal(t, "Join at  on 03-10.", result)
}

func TestRender_ConditionalBlocks(t *testing.T) {
	content := "{{if days_passed > 3}}Checking in after {{days_passed}} days.{{else}}Rest well today.{{/if}}"

	assert.Equal(t, "Checking in after 5 days.", Render(content, map[string]string{"days_passed": "5"}))
	assert.Equal(t, "Rest well today.", Render(content, map[string]string{"days_passed": "1"}))
	assert.Equal(t, "Rest well today.", Render(content, map[string]string{}))
}

func TestRender_IfWithoutElse(t *testing.T) {
	content := "Thanks.{{if patient_gender == F}} Ma'am.{{/if}}"

	assert.Equal(t, "Thanks.Ma'am.", Render(content, map[string]string{"patient_gender": "F"}))
	assert.Equal(t, "Thanks.", Render(content, map[string]string{"patient_gender": "M"}))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t,
		[]string{"patient_name", "meeting_url"},
		Placeholders("{{patient_name}} {{meeting_url}} {{patient_name}}"))
}
