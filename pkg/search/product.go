package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/weaviate/weaviate/entities/models"
)

// NotAvailable is the explicit marker rendered for catalog fields the index
// did not return. Downstream consumers must never see a silently omitted
// field.
const NotAvailable = "not available"

// ProductSummary is a flattened, human-readable view of one product record
// from the catalog, plus the relevance metadata of the hybrid query that
// found it.
type ProductSummary struct {
	Name         string
	Description  string
	Ingredients  string
	Category     string
	Fat          string
	FatSaturated string
	FatUnsat     string
	Carbs        string
	Sugars       string
	Fibres       string
	Kcal         string
	Protein      string

	Score        string
	ExplainScore string
}

func orNotAvailable(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}

// Render produces the text block handed to the assistant as tool output.
func (p ProductSummary) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Product: %s\n", orNotAvailable(p.Name))
	fmt.Fprintf(&sb, "Description: %s\n", orNotAvailable(p.Description))
	fmt.Fprintf(&sb, "Ingredients: %s\n", orNotAvailable(p.Ingredients))
	fmt.Fprintf(&sb, "Category: %s\n", orNotAvailable(p.Category))
	fmt.Fprintf(&sb, "Nutrition per 100g: kcal %s, fat %s (saturated %s, unsaturated %s), carbs %s (sugars %s), fibres %s, protein %s",
		orNotAvailable(p.Kcal),
		orNotAvailable(p.Fat),
		orNotAvailable(p.FatSaturated),
		orNotAvailable(p.FatUnsat),
		orNotAvailable(p.Carbs),
		orNotAvailable(p.Sugars),
		orNotAvailable(p.Fibres),
		orNotAvailable(p.Protein),
	)
	return sb.String()
}

// RenderAll joins summaries into the single text block fed back into the
// generation loop.
func RenderAll(summaries []ProductSummary) string {
	blocks := make([]string, 0, len(summaries))
	for _, p := range summaries {
		blocks = append(blocks, p.Render())
	}
	return strings.Join(blocks, "\n\n")
}

// parseProducts extracts product summaries from a GraphQL Get payload.
// The payload shape is Get -> <class name> -> list of records, with the
// relevance metadata nested under _additional.
func parseProducts(data map[string]models.JSONObject, className string) ([]ProductSummary, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected search payload: missing Get section")
	}

	records, ok := get[className].([]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected search payload: missing %s records", className)
	}

	ret := make([]ProductSummary, 0, len(records))
	for _, record := range records {
		fields, ok := record.(map[string]interface{})
		if !ok {
			continue
		}
		p := ProductSummary{
			Name:         fieldString(fields, "product_name"),
			Description:  fieldString(fields, "product_description"),
			Ingredients:  fieldString(fields, "complete_ingredienten_text"),
			Category:     fieldString(fields, "category_path"),
			Fat:          fieldString(fields, "fat"),
			FatSaturated: fieldString(fields, "fat_saturated"),
			FatUnsat:     fieldString(fields, "fat_unsaturated"),
			Carbs:        fieldString(fields, "carbs"),
			Sugars:       fieldString(fields, "sugars"),
			Fibres:       fieldString(fields, "fibres"),
			Kcal:         fieldString(fields, "kcal"),
			Protein:      fieldString(fields, "protein"),
		}
		if additional, ok := fields["_additional"].(map[string]interface{}); ok {
			p.Score = fieldString(additional, "score")
			p.ExplainScore = fieldString(additional, "explainScore")
		}
		ret = append(ret, p)
	}

	return ret, nil
}

// fieldString renders one payload value as text. Numbers arrive as float64
// from the JSON layer, scores as strings; nil or absent values become "".
func fieldString(fields map[string]interface{}, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}
