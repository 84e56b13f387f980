package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func samplePlan() Plan {
	notes := "organic"
	return Plan{
		Meals: []Meal{
			{Name: "Stir Fry", Ingredients: []Ingredient{{Name: "garlic", Quantity: "2", Unit: "cloves"}, {Name: "tofu", Quantity: "1", Unit: "block", ShoppingNotes: &notes}}},
			{Name: "Pasta", Ingredients: []Ingredient{{Name: "garlic", Quantity: "3", Unit: "cloves"}, {Name: "penne", Quantity: "200", Unit: "g"}}},
		},
		SharedIngredients: []Ingredient{{Name: "olive oil", Quantity: "2", Unit: "tbsp"}},
	}
}

func TestAllIngredientsOrder(t *testing.T) {
	got := samplePlan().AllIngredients()
	names := make([]string, 0, len(got))
	for _, ing := range got {
		names = append(names, ing.Name)
	}
	assert.Equal(t, []string{"garlic", "tofu", "garlic", "penne", "olive oil"}, names)
}

func TestIngredientCountsAndUniqueNames(t *testing.T) {
	p := samplePlan()
	assert.Equal(t, 5, p.IngredientCount())
	assert.Len(t, p.UniqueIngredientNames(), 4)
	assert.Equal(t, 0, Plan{}.IngredientCount())
	assert.Empty(t, Plan{}.UniqueIngredientNames())
}
