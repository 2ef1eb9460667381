package tracelog

import "strings"

// Category labels derived from operation names and messages.
const (
	CategoryFunctionCalls = "Function Calls"
	CategoryDatabase      = "Database"
	CategoryAPICalls      = "API Calls"
	CategoryCache         = "Cache"
	CategoryConfiguration = "Configuration"
	CategoryActions       = "Actions"
)

var categoryGlyphs = map[string]string{
	CategoryFunctionCalls: "🔧",
	CategoryDatabase:      "🗄️",
	CategoryAPICalls:      "🌐",
	CategoryCache:         "⚡",
	CategoryConfiguration: "⚙️",
	CategoryActions:       "▶️",
}

// Categorize maps a message to its category label using keyword heuristics.
func Categorize(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "started") || strings.Contains(m, "completed"):
		return CategoryFunctionCalls
	case strings.Contains(m, "database") || strings.Contains(m, "query"):
		return CategoryDatabase
	case strings.Contains(m, "api") || strings.Contains(m, "http"):
		return CategoryAPICalls
	case strings.Contains(m, "cache"):
		return CategoryCache
	case strings.Contains(m, "config") || strings.Contains(m, "setting"):
		return CategoryConfiguration
	default:
		return CategoryActions
	}
}

// Glyph returns the display glyph of a category label.
func Glyph(category string) string {
	if g, ok := categoryGlyphs[category]; ok {
		return g
	}
	return categoryGlyphs[CategoryActions]
}

var levelEmoji = map[Level]string{
	LevelDebug:     "🐛",
	LevelInfo:      "ℹ️",
	LevelNotice:    "📢",
	LevelWarning:   "⚠️",
	LevelError:     "❌",
	LevelCritical:  "🔥",
	LevelAlert:     "🚨",
	LevelEmergency: "🆘",
}

// Emoji returns the display emoji of a level.
func (l Level) Emoji() string {
	if e, ok := levelEmoji[l]; ok {
		return e
	}
	return "📝"
}
