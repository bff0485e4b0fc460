package cart

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/shopspring/decimal"
)

// Keys owned by Product and LineItem. The same keys found in a payload's
// extra fields are never copied into Attributes.
var reservedKeys = map[string]struct{}{
	"id":       {},
	"title":    {},
	"price":    {},
	"quantity": {},
}

// Product is the record a line item is created from. Only ID and Price are
// required; every other field of the payload is kept verbatim in Attributes
// so display fields (img, color, rating, ...) flow through to the order.
type Product struct {
	ID         string          `json:"id" validate:"required,max=128"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price" validate:"gte=0"`
	Attributes map[string]any  `json:"-"`
}

// Attr returns the named attribute as a string, or "" when absent or not a
// string.
func (p Product) Attr(key string) string {
	if s, ok := p.Attributes[key].(string); ok {
		return s
	}
	return ""
}

// Clone returns a copy of p whose attribute bag shares no memory with p.
func (p Product) Clone() Product {
	p.Attributes = cloneAttributes(p.Attributes)
	return p
}

// UnmarshalJSON decodes the flat product form. The id may be a JSON string
// or number; numbers keep their literal text ("1" for 1). Numbers inside
// attributes are kept as json.Number so they round-trip exactly.
func (p *Product) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	idRaw, ok := raw["id"]
	if !ok {
		return errors.New("product: id is required")
	}
	id, err := decodeID(idRaw)
	if err != nil {
		return err
	}

	priceRaw, ok := raw["price"]
	if !ok || isNull(priceRaw) {
		return errors.New("product: price is required")
	}
	var price decimal.Decimal
	if err := price.UnmarshalJSON(priceRaw); err != nil {
		return fmt.Errorf("product: invalid price: %w", err)
	}

	var title string
	if t, ok := raw["title"]; ok && !isNull(t) {
		if err := json.Unmarshal(t, &title); err != nil {
			return fmt.Errorf("product: invalid title: %w", err)
		}
	}

	var attrs map[string]any
	for key, value := range raw {
		if _, reserved := reservedKeys[key]; reserved {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("product: invalid %q: %w", key, err)
		}
		if attrs == nil {
			attrs = make(map[string]any)
		}
		attrs[key] = v
	}

	*p = Product{ID: id, Title: title, Price: price, Attributes: attrs}
	return nil
}

// MarshalJSON writes the flat form back: attributes alongside id, title and
// price.
func (p Product) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.fields())
}

func (p Product) fields() map[string]any {
	out := make(map[string]any, len(p.Attributes)+3)
	for k, v := range p.Attributes {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	out["id"] = p.ID
	out["title"] = p.Title
	out["price"] = p.Price
	return out
}

func decodeID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", errors.New("product: id must be a string or a number")
	}
	return n.String(), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func cloneAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := maps.Clone(t)
		for k, nested := range out {
			out[k] = cloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, nested := range t {
			out[i] = cloneValue(nested)
		}
		return out
	default:
		return v
	}
}
