package styles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		name   string
		format func(string) string
		icon   string
	}{
		{"success", FormatSuccess, IconSuccess},
		{"error", FormatError, IconError},
		{"warning", FormatWarning, IconWarning},
		{"info", FormatInfo, IconInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.format("CA alice created")
			assert.Contains(t, result, tt.icon)
			assert.Contains(t, result, "CA alice created")
		})
	}
}

func TestFormatStep(t *testing.T) {
	result := FormatStep(2, 12, "certifying child")
	assert.Contains(t, result, "[2/12]")
	assert.Contains(t, result, "certifying child")
}

func TestFormatKeyValue(t *testing.T) {
	result := FormatKeyValue("Resources", "AS1-AS100")
	assert.Contains(t, result, "Resources:")
	assert.Contains(t, result, "AS1-AS100")
}

func TestDisableColors(t *testing.T) {
	originalPrimary := Primary
	originalSuccess := Success
	t.Cleanup(func() {
		Primary = originalPrimary
		Success = originalSuccess
	})

	DisableColors()

	assert.Equal(t, "", string(Primary))
	assert.Equal(t, "", string(Success))
}

func TestStyles(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = Bold.Render("test")
		_ = Title.Render("test")
		_ = Subtitle.Render("test")
		_ = Muted.Render("test")
		_ = Code.Render("test")
		_ = Box.Render("test content")
		_ = BoxHighlight.Render("test content")
		_ = BoxError.Render("test content")
		_ = InfoBox.Render("test content")
	})
}
