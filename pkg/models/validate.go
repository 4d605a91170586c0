package models

import (
	"fmt"
)

// Validate checks the structural invariants of an act: exactly one of
// Inputs or NarrativeRef is set, a narrative reference cannot carry a
// carousel, temperature stays within [0, 2] and max_tokens is positive.
func (a *ActConfig) Validate() error {
	hasInputs := len(a.Inputs) > 0
	hasRef := a.NarrativeRef != ""
	if hasInputs == hasRef {
		return fmt.Errorf("act must set exactly one of inputs or narrative_ref")
	}
	if hasRef && a.Carousel != nil {
		return fmt.Errorf("act with narrative_ref cannot have a carousel")
	}
	if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0, 2]", *a.Temperature)
	}
	if a.MaxTokens != nil && *a.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", *a.MaxTokens)
	}
	if a.Carousel != nil {
		if err := a.Carousel.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks carousel bounds: at least one iteration and a budget
// ratio in (0, 1].
func (c *Carousel) Validate() error {
	if c.Iterations == 0 {
		return fmt.Errorf("carousel iterations must be at least 1")
	}
	if c.BudgetRatio <= 0 || c.BudgetRatio > 1 {
		return fmt.Errorf("carousel budget_ratio %v out of range (0, 1]", c.BudgetRatio)
	}
	return nil
}

// Validate checks that the narrative has a name, a non-empty toc order,
// that every ordered act exists, and that each act is itself valid.
func (n *Narrative) Validate() error {
	if n.Metadata.Name == "" {
		return fmt.Errorf("narrative name is required")
	}
	if len(n.TOCOrder) == 0 {
		return fmt.Errorf("narrative %q has an empty toc order", n.Metadata.Name)
	}
	for _, name := range n.TOCOrder {
		act, ok := n.Acts[name]
		if !ok {
			return fmt.Errorf("narrative %q orders act %q which is not defined", n.Metadata.Name, name)
		}
		if err := act.Validate(); err != nil {
			return fmt.Errorf("act %q: %w", name, err)
		}
	}
	if n.Carousel != nil {
		if err := n.Carousel.Validate(); err != nil {
			return err
		}
	}
	return nil
}
