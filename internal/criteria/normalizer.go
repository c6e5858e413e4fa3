package criteria

import (
	"sort"
	"strings"

	"github.com/xaenox/realty-agent/internal/models"
)

type Dimension string

const (
	DimensionCity            Dimension = "city"
	DimensionTransactionType Dimension = "transaction_type"
	DimensionPropertyType    Dimension = "property_type"
)

var propertyTypeSynonyms = map[string][]string{
	models.PropertyApartment: {
		"apartment", "apartments", "apt", "apto", "aptos", "ap", "aps",
		"apartamento", "apartamentos", "apartameto", "apartamneto", "apartmento", "apartamenro",
		"flat", "kitnet", "kitinete", "quitinete", "studio", "estudio", "loft", "cobertura",
	},
	models.PropertyHouse: {
		"house", "houses", "home", "casa", "casas", "kasa", "csa", "residencia",
		"casa terrea", "terrea", "casa de condominio", "casa em condominio",
	},
	models.PropertyDuplexHouse: {
		"duplex-house", "duplex house", "duplex", "duplexes", "duplex houses", "duplax", "dupex",
		"casa duplex", "sobrado", "sobrados", "casa sobrado", "triplex",
	},
	models.PropertyCommercialRoom: {
		"commercial-room", "commercial room", "commercial rooms", "office", "office room",
		"sala comercial", "salas comerciais", "sala comecial", "sala comerical", "sala",
		"conjunto comercial", "escritorio", "ponto comercial", "loja",
	},
	models.PropertyLand: {
		"land", "lot", "plot", "terreno", "terrenos", "tereno", "terrno", "terrneo",
		"lote", "lotes", "area", "gleba",
	},
	models.PropertyFarmhouse: {
		"farmhouse", "farm house", "farm", "ranch", "chacara", "chacaras", "chacra", "xacara",
		"sitio", "sitios", "fazenda", "fazendinha", "rancho", "casa de campo",
	},
}

var transactionTypeSynonyms = map[string][]string{
	models.TransactionSale: {
		"sale", "sell", "buy", "buying", "purchase", "for sale",
		"venda", "vendas", "vende", "vender", "vendo", "a venda", "para venda",
		"compra", "comprar", "compro", "para comprar", "quero comprar", "vnda",
	},
	models.TransactionLease: {
		"lease", "rent", "rental", "renting", "for rent",
		"aluguel", "alugueis", "alugel", "aluguer", "aluga", "alugar", "alugo", "para alugar",
		"quero alugar", "locacao", "locar", "loca", "arrendamento", "arrendar",
	},
}

// Terms the model uses to say "no preference"; they normalise to unspecified.
var unspecifiedTerms = map[string]struct{}{
	"any": {}, "all": {}, "anything": {}, "none": {}, "n a": {},
	"qualquer": {}, "qualquer um": {}, "qualquer uma": {}, "tanto faz": {},
	"todos": {}, "todas": {}, "todo": {}, "nenhum": {}, "indiferente": {},
	"nao informado": {}, "null": {}, "nil": {},
}

// Terms too ambiguous to count as a mention in free text. They still
// normalise when passed as a tool argument.
var argumentOnlyTerms = map[string]struct{}{
	"sala": {}, "area": {}, "home": {}, "loja": {}, "loca": {}, "aluga": {}, "vende": {},
}

var (
	propertyTypeIndex    = buildIndex(propertyTypeSynonyms)
	transactionTypeIndex = buildIndex(transactionTypeSynonyms)
)

func buildIndex(table map[string][]string) map[string]string {
	index := make(map[string]string)
	for canonical, synonyms := range table {
		index[foldKey(canonical)] = canonical
		for _, s := range synonyms {
			index[foldKey(s)] = canonical
		}
	}
	return index
}

// Normalize maps a raw value of dim to its canonical form. Unknown values
// and "no preference" values map to "" (unspecified). For the city
// dimension the value is free text: it is trimmed and its inner whitespace
// collapsed.
func Normalize(raw string, dim Dimension) string {
	key := foldKey(raw)
	if key == "" {
		return ""
	}
	if _, ok := unspecifiedTerms[key]; ok {
		return ""
	}

	switch dim {
	case DimensionPropertyType:
		return propertyTypeIndex[key]
	case DimensionTransactionType:
		return transactionTypeIndex[key]
	case DimensionCity:
		return strings.Join(strings.Fields(raw), " ")
	default:
		return ""
	}
}

// NormalizeCriteria normalises every field of c.
func NormalizeCriteria(c models.SearchCriteria) models.SearchCriteria {
	return models.SearchCriteria{
		City:            Normalize(c.City, DimensionCity),
		TransactionType: Normalize(c.TransactionType, DimensionTransactionType),
		PropertyType:    Normalize(c.PropertyType, DimensionPropertyType),
	}
}

// SchemaVocabulary returns the canonical values of dim advertised in the
// tool schema, sorted. The city dimension is open and returns nil.
func SchemaVocabulary(dim Dimension) []string {
	var table map[string][]string
	switch dim {
	case DimensionPropertyType:
		table = propertyTypeSynonyms
	case DimensionTransactionType:
		table = transactionTypeSynonyms
	default:
		return nil
	}
	values := make([]string, 0, len(table))
	for canonical := range table {
		values = append(values, canonical)
	}
	sort.Strings(values)
	return values
}

// Synonyms returns every raw term known for dim, including the canonical
// values.
func Synonyms(dim Dimension) []string {
	var table map[string][]string
	switch dim {
	case DimensionPropertyType:
		table = propertyTypeSynonyms
	case DimensionTransactionType:
		table = transactionTypeSynonyms
	default:
		return nil
	}
	var terms []string
	for _, canonical := range SchemaVocabulary(dim) {
		terms = append(terms, canonical)
		terms = append(terms, table[canonical]...)
	}
	return terms
}
