package criteria

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xaenox/realty-agent/internal/models"
)

func TestNormalizeIsTotalOverSchemaVocabulary(t *testing.T) {
	for _, dim := range []Dimension{DimensionPropertyType, DimensionTransactionType} {
		vocabulary := SchemaVocabulary(dim)
		require.NotEmpty(t, vocabulary)
		for _, value := range vocabulary {
			require.Equal(t, value, Normalize(value, dim), "dimension %s", dim)
		}
	}
}

func TestNormalizeEverySynonymIsCanonical(t *testing.T) {
	for _, dim := range []Dimension{DimensionPropertyType, DimensionTransactionType} {
		vocabulary := SchemaVocabulary(dim)
		for _, term := range Synonyms(dim) {
			got := Normalize(term, dim)
			require.Contains(t, vocabulary, got, "term %q of %s", term, dim)
			require.Equal(t, got, Normalize(got, dim), "normalisation of %q must be idempotent", term)
		}
	}
}

func TestSynonymTablesHaveNoCollisions(t *testing.T) {
	for _, table := range []map[string][]string{propertyTypeSynonyms, transactionTypeSynonyms} {
		owner := make(map[string]string)
		for canonical, synonyms := range table {
			for _, s := range append([]string{canonical}, synonyms...) {
				key := foldKey(s)
				if prev, ok := owner[key]; ok {
					require.Equal(t, prev, canonical, "%q is claimed twice", s)
				}
				owner[key] = canonical
				_, unspecified := unspecifiedTerms[key]
				require.False(t, unspecified, "%q is also a no-preference term", s)
			}
		}
	}
}

func TestNormalizeVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		dim  Dimension
		want string
	}{
		{"accented lease", "Locação", DimensionTransactionType, models.TransactionLease},
		{"unaccented lease", "locacao", DimensionTransactionType, models.TransactionLease},
		{"upper case with padding", "  APTO ", DimensionPropertyType, models.PropertyApartment},
		{"misspelled apartment", "apartameto", DimensionPropertyType, models.PropertyApartment},
		{"hyphenated", "sala-comercial", DimensionPropertyType, models.PropertyCommercialRoom},
		{"multi word with extra spaces", "casa   de  campo", DimensionPropertyType, models.PropertyFarmhouse},
		{"english", "For Sale", DimensionTransactionType, models.TransactionSale},
		{"chacara accented", "Chácara", DimensionPropertyType, models.PropertyFarmhouse},
		{"sobrado", "Sobrado", DimensionPropertyType, models.PropertyDuplexHouse},
		{"unknown type", "castelo", DimensionPropertyType, ""},
		{"unknown transaction", "permuta", DimensionTransactionType, ""},
		{"empty", "", DimensionPropertyType, ""},
		{"whitespace only", "   ", DimensionTransactionType, ""},
		{"no preference", "Qualquer", DimensionPropertyType, ""},
		{"city collapse", "  São   José dos  Pinhais ", DimensionCity, "São José dos Pinhais"},
		{"city placeholder", "tanto faz", DimensionCity, ""},
		{"unknown dimension", "casa", Dimension("price"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Normalize(tt.raw, tt.dim))
		})
	}
}

func TestNormalizeCriteria(t *testing.T) {
	got := NormalizeCriteria(models.SearchCriteria{City: " Curitiba ", TransactionType: "Aluguel", PropertyType: "xyz"})

	require.Equal(t, models.SearchCriteria{City: "Curitiba", TransactionType: models.TransactionLease}, got)
	require.Equal(t, got, NormalizeCriteria(got))
}

func TestSchemaVocabularyCityIsOpen(t *testing.T) {
	require.Nil(t, SchemaVocabulary(DimensionCity))
	require.Equal(t, []string{models.TransactionLease, models.TransactionSale}, SchemaVocabulary(DimensionTransactionType))
}
