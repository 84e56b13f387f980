package domain

// AllIngredients returns every ingredient of the plan, meal ingredients first
// and shared ingredients last.
func (p Plan) AllIngredients() []Ingredient {
	out := make([]Ingredient, 0, p.IngredientCount())
	for _, m := range p.Meals {
		out = append(out, m.Ingredients...)
	}
	return append(out, p.SharedIngredients...)
}

// UniqueIngredientNames returns the set of ingredient names in the plan.
func (p Plan) UniqueIngredientNames() map[string]struct{} {
	names := make(map[string]struct{})
	for _, ing := range p.AllIngredients() {
		names[ing.Name] = struct{}{}
	}
	return names
}

// IngredientCount counts ingredients including duplicates across meals.
func (p Plan) IngredientCount() int {
	n := len(p.SharedIngredients)
	for _, m := range p.Meals {
		n += len(m.Ingredients)
	}
	return n
}
