package domain

import "strings"

type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Icon      string `json:"icon,omitempty"`
	SortOrder int    `json:"sort_order"`
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return NewValidationError("category", "", "id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return NewValidationError("category", c.ID, "name is required")
	}
	return nil
}

// MenuItem is read-only to the order engine. Price is in minor currency units.
type MenuItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	Category    string `json:"category"`
	ImageURL    string `json:"image_url,omitempty"`
	Available   bool   `json:"available"`
}

func (m MenuItem) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return NewValidationError("menu_item", "", "id is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return NewValidationError("menu_item", m.ID, "name is required")
	}
	if m.Price < 0 {
		return NewValidationError("menu_item", m.ID, "price must not be negative")
	}
	return nil
}
