package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"mealplanner/internal/domain"
)

const preferenceSystemPrompt = `You convert casual, natural-language dietary preferences into structured JSON.

Extract:
- dietary restrictions (vegetarian, vegan, gluten-free, dairy-free, nut-free, ...)
- preferred cuisines
- ingredients to avoid ("no mushrooms" and "mushroom-free" both go here)
- preferred proteins
- cooking styles or meal types (quick salads, stir-fries, sheet pan, one-pot, no-cook, ...)
- any other notes or constraints

Reply with ONLY a JSON object, no markdown and no explanation:
{
  "dietary_restrictions": [],
  "cuisines": [],
  "avoid_ingredients": [],
  "protein_preferences": [],
  "cooking_styles": [],
  "max_cook_time_minutes": 20,
  "serves": 2,
  "special_notes": ""
}
Use empty arrays for anything not mentioned. max_cook_time_minutes is always 20 and serves is always 2.`

const planSystemPrompt = `You plan quick weeknight meals. Produce two healthy meals that each take 15-20 minutes of active cooking, serve 2, and respect every dietary preference given.

Rules:
- simple, accessible ingredients and at most a knife, a board and one or two pans
- design the two meals to share 4-6 ingredients to keep the shopping list short, and list those in shared_ingredients
- put shopping notes inline on ingredients (e.g. "organic", "pre-cut") or null
- embed tips directly in the instruction text
- make the meals clearly different in flavor and texture
- when user feedback is present, change cuisines or proteins to address it and mention it in the descriptions

Reply with ONLY a JSON object, no markdown and no explanation:
{
  "meals": [
    {
      "name": "",
      "description": "",
      "serves": 2,
      "active_time_minutes": 18,
      "inactive_time_minutes": 2,
      "ingredients": [{"name": "", "quantity": "1", "unit": "medium", "shopping_notes": null}],
      "instructions": [{"step": 1, "text": ""}]
    }
  ],
  "shared_ingredients": [{"name": "", "quantity": "", "unit": "", "shopping_notes": null}]
}`

func preferenceUserPrompt(text string) string {
	return "USER PREFERENCES (raw text):\n" + text
}

func planUserPrompt(prefs domain.Preferences, feedback *string) (string, error) {
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal preferences: %w", err)
	}
	var b strings.Builder
	b.WriteString("USER PREFERENCES (parsed):\n")
	b.Write(data)
	if feedback != nil && *feedback != "" {
		b.WriteString("\n\nUSER FEEDBACK (from previous rejection):\n")
		b.WriteString(*feedback)
		b.WriteString("\n\nRegenerate the meal plan addressing this feedback.")
	}
	return b.String(), nil
}
