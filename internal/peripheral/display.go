package peripheral

import "strings"

// DefaultDisplayWidth is the character count of a four-digit display.
const DefaultDisplayWidth = 4

// Logger is the logging subset used by this package.
type Logger interface {
	Info(msg string, keysAndValues ...any)
}

// LogDisplay renders display text to the log. It stands in for a segment
// display on hosts without one and keeps the last text shown.
type LogDisplay struct {
	logger Logger
	width  int
	last   string
}

// NewLogDisplay creates a display of the given width. A width of zero
// uses DefaultDisplayWidth.
func NewLogDisplay(logger Logger, width int) *LogDisplay {
	if width <= 0 {
		width = DefaultDisplayWidth
	}
	return &LogDisplay{logger: logger, width: width}
}

// ShowText shows text cut to the display width. Repeating the current
// text is a no-op.
func (d *LogDisplay) ShowText(text string) error {
	text = strings.ToUpper(text)
	if len(text) > d.width {
		text = text[:d.width]
	}
	if text == d.last {
		return nil
	}
	d.last = text
	if d.logger != nil {
		d.logger.Info("display", "text", text)
	}
	return nil
}

// Text returns the text currently shown.
func (d *LogDisplay) Text() string {
	return d.last
}
