package slack

import (
	"fmt"
	"sort"
	"strings"

	"mealplanner/internal/domain"
)

// FormatApprovalRequest renders the plan summary posted for approval.
func FormatApprovalRequest(plan domain.Plan, attempt int) string {
	var b strings.Builder
	b.WriteString("🍽️ *YOUR WEEKLY MEAL PLAN* (for approval)")
	if attempt > 0 {
		fmt.Fprintf(&b, " _revision %d_", attempt)
	}
	b.WriteString("\n\n")
	for i, meal := range plan.Meals {
		fmt.Fprintf(&b, "*Meal %d: %s*\n", i+1, meal.Name)
		fmt.Fprintf(&b, "Active: %d min | Serves %d | Ingredients: %d items\n", meal.ActiveTimeMinutes, meal.Serves, len(meal.Ingredients))
		fmt.Fprintf(&b, "_%s_\n\n", meal.Description)
	}
	if n := len(plan.SharedIngredients); n > 0 {
		fmt.Fprintf(&b, "📊 *Shared Ingredients:* %d items\n", n)
		names := make([]string, 0, 3)
		for _, ing := range plan.SharedIngredients[:min(n, 3)] {
			names = append(names, ing.Name)
		}
		more := ""
		if n > 3 {
			more = "..."
		}
		fmt.Fprintf(&b, "_%s%s_\n\n", strings.Join(names, ", "), more)
	}
	b.WriteString("---\n")
	b.WriteString("*How to respond:*\n")
	b.WriteString("• Reply `approve` or `✓` to accept this plan\n")
	b.WriteString("• Reply `reject` or `✗` to reject\n")
	b.WriteString("• Reply `feedback: <your feedback>` to regenerate with changes\n")
	b.WriteString("  Example: `feedback: make it spicier` or `feedback: no tomatoes`")
	return b.String()
}

func writeIngredient(b *strings.Builder, ing domain.Ingredient) {
	fmt.Fprintf(b, "• %s - %s %s", ing.Name, ing.Quantity, ing.Unit)
	if ing.ShoppingNotes != nil && *ing.ShoppingNotes != "" {
		fmt.Fprintf(b, " (%s)", *ing.ShoppingNotes)
	}
	b.WriteString("\n")
}

var outcomeHeaders = map[domain.Outcome]string{
	domain.OutcomeApproved:  "✅ *MEAL PLAN APPROVED*",
	domain.OutcomeRejected:  "⚠️ *MEAL PLAN REJECTED* (using the last proposal)",
	domain.OutcomeExhausted: "⚠️ *REVISION LIMIT REACHED* (using the last proposal)",
}

// FormatFinalPlan renders the full plan with ingredients and instructions.
func FormatFinalPlan(plan domain.Plan, outcome domain.Outcome) string {
	header, ok := outcomeHeaders[outcome]
	if !ok {
		header = outcomeHeaders[domain.OutcomeApproved]
	}
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n🍽️ *MEALS THIS WEEK*\n\n")
	for i, meal := range plan.Meals {
		fmt.Fprintf(&b, "*Meal %d: %s*\n", i+1, meal.Name)
		fmt.Fprintf(&b, "Serves %d | Active Time: %d min | Inactive Time: %d min\n", meal.Serves, meal.ActiveTimeMinutes, meal.InactiveTimeMinutes)
		fmt.Fprintf(&b, "%s\n\n", meal.Description)
		b.WriteString("*Ingredients:*\n")
		for _, ing := range meal.Ingredients {
			writeIngredient(&b, ing)
		}
		b.WriteString("\n*Instructions:*\n")
		for _, step := range meal.Instructions {
			fmt.Fprintf(&b, "%d. %s\n", step.Step, step.Text)
		}
		b.WriteString("\n---\n\n")
	}
	if n := len(plan.SharedIngredients); n > 0 {
		fmt.Fprintf(&b, "📋 *Shared Ingredients* (%d items)\n", n)
		for _, ing := range plan.SharedIngredients {
			writeIngredient(&b, ing)
		}
		b.WriteString("\n")
	}
	b.WriteString("✅ Ingredients added to the Todoist Grocery project!")
	return b.String()
}

// FormatGroceryList renders the unique ingredient names alphabetically.
func FormatGroceryList(plan domain.Plan) string {
	unique := plan.UniqueIngredientNames()
	names := make([]string, 0, len(unique))
	for n := range unique {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("🛒 *GROCERY LIST*\n\n")
	for _, n := range names {
		fmt.Fprintf(&b, "• %s\n", n)
	}
	fmt.Fprintf(&b, "\n_Total: %d items_", len(names))
	return b.String()
}

// FormatAbandoned tells the channel that a run stopped waiting for approval.
func FormatAbandoned(runID, reason string) string {
	return fmt.Sprintf("⏰ *MEAL PLAN ABANDONED*\nNo decision arrived in time for run `%s` (%s). No grocery tasks were created.", runID, reason)
}
