package orchestrator

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/xaenox/realty-agent/internal/criteria"
	"github.com/xaenox/realty-agent/internal/models"
)

const SearchToolName = "search_properties"

// SearchTool describes the property search to the model. Every argument is
// optional; the caller fills gaps from the conversation.
func SearchTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name: SearchToolName,
			Description: "Search the agency's active property listings. " +
				"Every argument is optional: omit any the customer has not stated, " +
				"the search then covers all values of that field.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"city": {
						Type:        jsonschema.String,
						Description: "City name as the customer wrote it, for example Curitiba.",
					},
					"transaction_type": {
						Type:        jsonschema.String,
						Description: "Whether the customer wants to buy or rent.",
						Enum:        criteria.SchemaVocabulary(criteria.DimensionTransactionType),
					},
					"property_type": {
						Type:        jsonschema.String,
						Description: "Kind of property.",
						Enum:        criteria.SchemaVocabulary(criteria.DimensionPropertyType),
					},
				},
				Required: []string{},
			},
		},
	}
}

// parseArguments decodes untrusted tool arguments. Malformed JSON and
// non-string values count as omitted.
func parseArguments(raw string) models.SearchCriteria {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return models.SearchCriteria{}
	}
	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}
	return criteria.NormalizeCriteria(models.SearchCriteria{
		City:            str("city"),
		TransactionType: str("transaction_type"),
		PropertyType:    str("property_type"),
	})
}

type propertySummary struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	PropertyType    string  `json:"property_type"`
	TransactionType string  `json:"transaction_type"`
	City            string  `json:"city"`
	Neighborhood    string  `json:"neighborhood,omitempty"`
	Price           float64 `json:"price"`
	Bedrooms        int     `json:"bedrooms,omitempty"`
}

type toolResult struct {
	Criteria   models.SearchCriteria `json:"criteria"`
	Count      int                   `json:"count"`
	Properties []propertySummary     `json:"properties"`
	Note       string                `json:"note,omitempty"`
}

func encodeToolResult(c models.SearchCriteria, properties []models.Property) string {
	out := toolResult{
		Criteria:   c,
		Count:      len(properties),
		Properties: make([]propertySummary, 0, len(properties)),
	}
	for _, p := range properties {
		out.Properties = append(out.Properties, propertySummary{
			ID:              p.ID,
			Title:           p.Title,
			PropertyType:    p.PropertyType,
			TransactionType: p.TransactionType,
			City:            p.City,
			Neighborhood:    p.Neighborhood,
			Price:           p.Price,
			Bedrooms:        p.Bedrooms,
		})
	}
	if len(properties) == 0 {
		out.Note = "no listing matches these criteria; tell the customer and offer to widen the search"
	}
	b, _ := json.Marshal(out)
	return string(b)
}
