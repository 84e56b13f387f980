// Package report renders the final plan of a run as markdown and stores it
// on disk or in S3.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"mealplanner/internal/domain"
)

// Report is everything rendered for one finished run.
type Report struct {
	RunID    string
	Outcome  domain.Outcome
	Attempt  int
	Feedback *string
	Plan     domain.Plan
	Tasks    []domain.TaskRef
}

// Key is the storage key of a run's report.
func Key(runID string) string {
	return fmt.Sprintf("runs/%s/meal-plan.md", runID)
}

func writeIngredients(b *strings.Builder, ings []domain.Ingredient) {
	for _, ing := range ings {
		notes := ""
		if ing.ShoppingNotes != nil && *ing.ShoppingNotes != "" {
			notes = " (" + *ing.ShoppingNotes + ")"
		}
		fmt.Fprintf(b, "- %s %s %s%s\n", ing.Quantity, ing.Unit, ing.Name, notes)
	}
}

// Render returns the markdown document for r.
func Render(r Report) string {
	var b strings.Builder
	b.WriteString("# Weekly Meal Plan\n\n")
	fmt.Fprintf(&b, "Run `%s` · outcome **%s** · revisions %d\n\n", r.RunID, r.Outcome, r.Attempt)
	if r.Feedback != nil && *r.Feedback != "" {
		fmt.Fprintf(&b, "_Generated with feedback: %s_\n\n", *r.Feedback)
	}

	for i, meal := range r.Plan.Meals {
		fmt.Fprintf(&b, "## Meal %d: %s\n\n", i+1, meal.Name)
		fmt.Fprintf(&b, "**Description:** %s\n\n", meal.Description)
		b.WriteString("**Details:**\n")
		fmt.Fprintf(&b, "- Serves: %d\n", meal.Serves)
		fmt.Fprintf(&b, "- Active time: %d minutes\n", meal.ActiveTimeMinutes)
		if meal.InactiveTimeMinutes > 0 {
			fmt.Fprintf(&b, "- Inactive time: %d minutes\n", meal.InactiveTimeMinutes)
		}
		fmt.Fprintf(&b, "- Ingredients: %d items\n\n", len(meal.Ingredients))
		b.WriteString("**Ingredients:**\n")
		writeIngredients(&b, meal.Ingredients)
		b.WriteString("\n**Instructions:**\n")
		for _, step := range meal.Instructions {
			fmt.Fprintf(&b, "%d. %s\n", step.Step, step.Text)
		}
		b.WriteString("\n---\n\n")
	}
	if n := len(r.Plan.SharedIngredients); n > 0 {
		fmt.Fprintf(&b, "## Shared Ingredients (%d items)\n\n", n)
		writeIngredients(&b, r.Plan.SharedIngredients)
		b.WriteString("\n")
	}

	b.WriteString("## Grocery List\n\n")
	b.WriteString(groceryTable(r.Plan))
	b.WriteString("\n\n")

	unique := r.Plan.UniqueIngredientNames()
	names := make([]string, 0, len(unique))
	for n := range unique {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintf(&b, "### Unique items (%d)\n\n", len(names))
	for _, n := range names {
		fmt.Fprintf(&b, "- %s\n", n)
	}

	if len(r.Tasks) > 0 {
		fmt.Fprintf(&b, "\n## Grocery Tasks Created (%d)\n\n", len(r.Tasks))
		for i, t := range r.Tasks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, t.Content)
		}
	}
	return b.String()
}

func groceryTable(plan domain.Plan) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Item", "Quantity", "Unit", "Notes", "Meal"})
	row := func(ing domain.Ingredient, meal string) {
		notes := ""
		if ing.ShoppingNotes != nil {
			notes = *ing.ShoppingNotes
		}
		tw.AppendRow(table.Row{ing.Name, ing.Quantity, ing.Unit, notes, meal})
	}
	for _, meal := range plan.Meals {
		for _, ing := range meal.Ingredients {
			row(ing, meal.Name)
		}
	}
	for _, ing := range plan.SharedIngredients {
		row(ing, "Shared")
	}
	return tw.RenderMarkdown()
}
