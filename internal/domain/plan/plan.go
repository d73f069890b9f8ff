package plan

import "fmt"

// ErrPlanNotFound is returned when a plan id is not in the catalog.
type ErrPlanNotFound struct {
	PlanID string
}

func (e *ErrPlanNotFound) Error() string {
	return fmt.Sprintf("subscription plan %q not found", e.PlanID)
}

// Plan is an immutable purchasable tier.
type Plan struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Price        int64    `json:"price"`
	Currency     string   `json:"currency"`
	DurationDays int      `json:"duration_days"`
	Features     []string `json:"features"`
}

// Catalog is a fixed, ordered set of plans loaded at process start.
type Catalog struct {
	plans []Plan
	byID  map[string]Plan
}

// NewCatalog builds a catalog from an ordered plan list.
func NewCatalog(plans []Plan) *Catalog {
	byID := make(map[string]Plan, len(plans))
	for _, p := range plans {
		byID[p.ID] = p
	}
	return &Catalog{plans: plans, byID: byID}
}

// All returns every plan in catalog order.
func (c *Catalog) All() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// ByID looks up a plan by id.
func (c *Catalog) ByID(id string) (Plan, error) {
	p, ok := c.byID[id]
	if !ok {
		return Plan{}, &ErrPlanNotFound{PlanID: id}
	}
	return p, nil
}

// DefaultCatalog returns the production plan set.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Plan{
		{
			ID:           "1_month",
			Name:         "1 month",
			Description:  "One month of membership",
			Price:        700,
			Currency:     "RUB",
			DurationDays: 30,
			Features: []string{
				"Access to all materials",
				"Homework reviews",
				"Q&A with the mentor",
				"Members-only chat",
			},
		},
		{
			ID:           "3_months",
			Name:         "3 months",
			Description:  "Three months of membership",
			Price:        1800,
			Currency:     "RUB",
			DurationDays: 90,
			Features: []string{
				"Access to all materials",
				"Homework reviews",
				"Q&A with the mentor",
				"Members-only chat",
				"Save 300 RUB",
			},
		},
		{
			ID:           "6_months",
			Name:         "6 months",
			Description:  "Six months of membership",
			Price:        3500,
			Currency:     "RUB",
			DurationDays: 180,
			Features: []string{
				"Access to all materials",
				"Homework reviews",
				"Q&A with the mentor",
				"Members-only chat",
				"Save 700 RUB",
			},
		},
	})
}
