package silog

import "github.com/charmbracelet/lipgloss"

// Style defines the visual presentation of a [logHandler]'s output:
// level labels, per-level message styling, and the delimiters used
// between a logger's prefix, its message, and its attributes.
type Style struct {
	// LevelLabels holds the short label rendered for each log level
	// (e.g. "DBG", "INF").
	LevelLabels ByLevel[lipgloss.Style]

	// Messages holds the style applied to the log message body,
	// per level. The zero value renders the message unstyled.
	Messages ByLevel[lipgloss.Style]

	// Key is the style applied to attribute keys.
	Key lipgloss.Style

	// Values holds per-attribute-key styles, keyed by attribute name.
	// An attribute with no entry here is rendered unstyled.
	Values map[string]lipgloss.Style

	// KeyValueDelimiter separates an attribute key from its value
	// (conventionally "=").
	KeyValueDelimiter lipgloss.Style

	// MultilinePrefix is prepended to each line of a multi-line
	// attribute value.
	MultilinePrefix lipgloss.Style

	// PrefixDelimiter separates a logger's prefix from its message
	// when [Logger.WithPrefix] has been used.
	PrefixDelimiter lipgloss.Style
}

// PlainStyle returns a Style with no color codes, suitable for
// non-terminal output such as log files or piped output.
func PlainStyle() *Style {
	return &Style{
		LevelLabels: ByLevel[lipgloss.Style]{
			Debug: lipgloss.NewStyle().SetString("DBG"),
			Info:  lipgloss.NewStyle().SetString("INF"),
			Warn:  lipgloss.NewStyle().SetString("WRN"),
			Error: lipgloss.NewStyle().SetString("ERR"),
			Fatal: lipgloss.NewStyle().SetString("FTL"),
		},
		Key:               lipgloss.NewStyle(),
		Values:            make(map[string]lipgloss.Style),
		KeyValueDelimiter: lipgloss.NewStyle().SetString("="),
		MultilinePrefix:   lipgloss.NewStyle().SetString("| "),
		PrefixDelimiter:   lipgloss.NewStyle().SetString(": "),
	}
}

// DefaultStyle returns a Style with ANSI colors, used when the
// logger's output is attached to a terminal.
func DefaultStyle() *Style {
	s := PlainStyle()

	s.LevelLabels.Debug = s.LevelLabels.Debug.Foreground(lipgloss.Color("63"))
	s.LevelLabels.Info = s.LevelLabels.Info.Foreground(lipgloss.Color("86"))
	s.LevelLabels.Warn = s.LevelLabels.Warn.Foreground(lipgloss.Color("192"))
	s.LevelLabels.Error = s.LevelLabels.Error.Foreground(lipgloss.Color("204"))
	s.LevelLabels.Fatal = s.LevelLabels.Fatal.Foreground(lipgloss.Color("204")).Bold(true)

	s.Key = s.Key.Foreground(lipgloss.Color("246"))
	s.MultilinePrefix = s.MultilinePrefix.Foreground(lipgloss.Color("240"))

	return s
}
