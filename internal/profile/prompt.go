// Package profile renders the system instruction that gives the voice model
// its persona and the user's context: who they are, which language to speak
// and which dogs are in their pack.
package profile

import (
	"fmt"
	"strconv"
	"strings"
)

// Dog is one member of the user's pack.
type Dog struct {
	Name     string
	Breed    string
	Age      int
	WeightKg float64
	// Streak is the number of consecutive active days.
	Streak int
}

// Profile is the user context woven into the system instruction.
type Profile struct {
	UserName string
	// Language is a two-letter code from [Languages]. Unknown codes fall
	// back to English.
	Language string
	Dogs     []Dog
}

// Languages maps the supported language codes to their native names.
var Languages = map[string]string{
	"en": "English",
	"de": "Deutsch",
	"fr": "Français",
	"es": "Español",
	"it": "Italiano",
	"nl": "Nederlands",
	"sv": "Svenska",
	"pl": "Polski",
	"pt": "Português",
	"ru": "Русский",
	"tr": "Türkçe",
	"uk": "Українська",
	"ro": "Română",
	"cs": "Čeština",
	"hu": "Magyar",
	"el": "Ελληνικά",
	"da": "Dansk",
	"fi": "Suomi",
	"no": "Norsk",
	"hr": "Hrvatski",
}

// LanguageName returns the native name for code, or "English".
func LanguageName(code string) string {
	if name, ok := Languages[strings.ToLower(code)]; ok {
		return name
	}
	return "English"
}

// instructions are the fixed behaviour rules. %[1]s is the language name.
var instructions = []string{
	"IMPORTANT: You must strictly respond in %[1]s.",
	"Always prioritize the specific needs of the dogs in the pack listed above.",
	"Refer to the dogs by their names whenever possible.",
	"Use your knowledge of their breeds to give tailored advice (e.g., heat sensitivity for Frenchies, joint care for larger breeds like Golden Retrievers).",
	"Be encouraging about their streaks and active lifestyle.",
	"Keep spoken answers short and conversational; the user is listening, not reading.",
	"For health queries, provide breed-specific context but always include a disclaimer to consult a veterinarian for serious issues.",
}

// SystemInstruction renders the PawGo persona prompt for p. It is pure and
// safe for concurrent use.
func SystemInstruction(p Profile) string {
	lang := LanguageName(p.Language)
	code := strings.ToLower(p.Language)
	if _, ok := Languages[code]; !ok {
		code = "en"
	}

	var sb strings.Builder
	sb.WriteString("You are PawGo, a world-class dog health, training, and activity expert. ")
	sb.WriteString("You are the voice companion of the PawGo app: friendly, professional and playful.")

	sb.WriteString("\n\nUSER INFORMATION:\n")
	name := strings.TrimSpace(p.UserName)
	if name == "" {
		name = "unknown"
	}
	fmt.Fprintf(&sb, "- Name: %s\n", name)
	fmt.Fprintf(&sb, "- Preferred Language: %s (Code: %s)", lang, code)

	if len(p.Dogs) > 0 {
		sb.WriteString("\n\nTHE PACK (User's Dogs):\n")
		sb.WriteString(PackContext(p.Dogs))
	}

	sb.WriteString("\n\nYOUR INSTRUCTIONS:")
	for i, line := range instructions {
		fmt.Fprintf(&sb, "\n%d. ", i+1)
		if i == 0 {
			fmt.Fprintf(&sb, line, lang)
		} else {
			sb.WriteString(line)
		}
	}
	return sb.String()
}

// PackContext renders one line per dog.
func PackContext(dogs []Dog) string {
	lines := make([]string, 0, len(dogs))
	for _, d := range dogs {
		lines = append(lines, fmt.Sprintf("- %s: A %d-year-old %s weighing %skg. Current activity streak: %d days.",
			d.Name, d.Age, d.Breed, strconv.FormatFloat(d.WeightKg, 'f', -1, 64), d.Streak))
	}
	return strings.Join(lines, "\n")
}
