package customer

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/text/language"

	"github.com/zombor/outreach-intake/internal/scanning"
)

const (
	defaultCountryCode = "USA"
	fallbackLanguage   = "en"
	countryCodeLength  = 3
	maxLanguageLength  = 5
)

var defaultedTypes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "outreach_customer_type_defaulted_total",
	Help: "Extracted records whose customer type was not recognised and defaulted to retail.",
})

// Validate turns model candidates into records, dropping any without a name or email.
// Records without a language get defaultLanguage. It never fails.
func Validate(candidates []scanning.CustomerData, defaultLanguage string) []Record {
	return WithDefaultLanguage(ValidateCandidates(candidates), defaultLanguage)
}

// ValidateCandidates is Validate without the language default: a record whose
// candidate had no language keeps an empty Language.
func ValidateCandidates(candidates []scanning.CustomerData) []Record {
	records := make([]Record, 0, len(candidates))
	for _, c := range candidates {
		name := strings.TrimSpace(c.FullName)
		email := strings.ToLower(strings.TrimSpace(c.Email))
		if name == "" || email == "" {
			continue
		}

		customerType, defaulted := ClassifyCustomerType(c.CustomerType)
		if defaulted {
			defaultedTypes.Inc()
		}

		records = append(records, Record{
			FullName:      name,
			Email:         email,
			CustomerType:  customerType,
			CountryCode:   normalizeCountryCode(c.CountryCode),
			Language:      normalizeLanguage(c.Language),
			TypeDefaulted: defaulted,
		})
	}
	return records
}

// WithDefaultLanguage returns a copy of records with empty languages set to
// defaultLanguage, or "en" when that is empty too. records is not modified.
func WithDefaultLanguage(records []Record, defaultLanguage string) []Record {
	fallback := normalizeLanguage(defaultLanguage)
	if fallback == "" {
		fallback = fallbackLanguage
	}

	out := make([]Record, len(records))
	for i, r := range records {
		if r.Language == "" {
			r.Language = fallback
		}
		out[i] = r
	}
	return out
}

// ClassifyCustomerType maps free text from the back office to a canonical type.
// The second return value is true when nothing matched and retail was assumed.
func ClassifyCustomerType(raw string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(t, "retail"), strings.Contains(t, "pc"), t == "r":
		return TypeRetail, false
	case strings.Contains(t, "wholesale"), strings.Contains(t, "wc"), t == "w":
		return TypeWholesale, false
	case strings.Contains(t, "advocate"), strings.Contains(t, "wa"), strings.Contains(t, "builder"), t == "a":
		return TypeAdvocates, false
	}
	return TypeRetail, true
}

// regionAliases are two-letter codes in common use that ISO 3166 does not assign
var regionAliases = map[string]string{
	"UK": "GB",
}

// normalizeCountryCode returns an upper-case three character code.
// Codes of three or more characters keep their first three; two-letter country
// codes map to ISO 3166 alpha-3; anything else becomes USA.
func normalizeCountryCode(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	runes := []rune(code)
	if len(runes) >= countryCodeLength {
		return string(runes[:countryCodeLength])
	}
	if len(runes) == 2 {
		if alias, ok := regionAliases[code]; ok {
			code = alias
		}
		if iso3, ok := countryISO3(code); ok {
			return iso3
		}
	}
	return defaultCountryCode
}

// countryISO3 maps an alpha-2 country code to alpha-3. Groupings such as EU
// and private-use or unknown codes do not map.
func countryISO3(alpha2 string) (string, bool) {
	region, err := language.ParseRegion(alpha2)
	if err != nil || !region.IsCountry() {
		return "", false
	}
	iso3 := strings.ToUpper(region.ISO3())
	if len(iso3) != countryCodeLength || iso3[0] == 'Q' || strings.HasPrefix(iso3, "AA") || strings.HasPrefix(iso3, "ZZ") {
		return "", false
	}
	return iso3, true
}

func normalizeLanguage(raw string) string {
	lang := []rune(strings.ToLower(strings.TrimSpace(raw)))
	if len(lang) > maxLanguageLength {
		lang = lang[:maxLanguageLength]
	}
	return string(lang)
}
