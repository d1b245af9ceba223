// pkg/cleaner/operations.go
package cleaner

import (
	"database/sql"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Unknown replaces missing categorical values
const Unknown = "UNKNOWN"

// Invoice types
const (
	InvoiceSale   = "SALE"
	InvoiceReturn = "RETURN"
)

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	nonWordChar    = regexp.MustCompile(`[^\w]`)
	underscoreRun  = regexp.MustCompile(`_+`)
	titleCaser     = cases.Title(language.Und)
	unspecifiedTok = "UNSPECIFIED"
)

// NormalizeToken trims and upper-cases a categorical value and joins its
// words with underscores. NULL becomes UNKNOWN.
func NormalizeToken(v sql.NullString) string {
	if !v.Valid {
		return Unknown
	}
	return whitespaceRun.ReplaceAllString(strings.ToUpper(strings.TrimSpace(v.String)), "_")
}

// NormalizeCountry normalizes a country token and folds UNSPECIFIED into UNKNOWN
func NormalizeCountry(v sql.NullString) string {
	return strings.ReplaceAll(NormalizeToken(v), unspecifiedTok, Unknown)
}

// NormalizeCustomerID fills missing ids with UNKNOWN. Ids that went through a
// float column ("17850.0") are rendered as integers.
func NormalizeCustomerID(v sql.NullString) string {
	if !v.Valid {
		return Unknown
	}
	s := strings.TrimSpace(v.String)
	if s == "" {
		return Unknown
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatInt(int64(f), 10)
	}
	return s
}

// CoerceQuantity parses a quantity. Values that are missing, non-numeric or
// not whole numbers are not valid.
func CoerceQuantity(v sql.NullString) (int64, bool) {
	f, ok := CoercePrice(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1e18 {
		return 0, false
	}
	return int64(f), true
}

// CoercePrice parses a numeric value; anything unparseable is not valid
func CoercePrice(v sql.NullString) (float64, bool) {
	if !v.Valid {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.String), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ClassifyInvoice marks a line as a RETURN when its quantity is negative or
// the cleaned invoice number is not purely digits, and a SALE otherwise
func ClassifyInvoice(invoice string, quantity int64, quantityValid bool) string {
	if quantityValid && quantity < 0 {
		return InvoiceReturn
	}
	if !isAllDigits(invoice) {
		return InvoiceReturn
	}
	return InvoiceSale
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CleanDescription turns a raw product description into an identifier-like
// name: NFKD-decomposed, non-word characters as single underscores, no
// leading or trailing underscores, upper case. Empty results are UNKNOWN.
func CleanDescription(v sql.NullString) string {
	if !v.Valid {
		return Unknown
	}

	s := norm.NFKD.String(v.String)
	s = nonWordChar.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown
	}
	return strings.ToUpper(s)
}

// StandardizeCountryName turns a cleaned country token back into a display
// name ("UNITED_KINGDOM" -> "United Kingdom")
func StandardizeCountryName(token string) string {
	return strings.TrimSpace(titleCaser.String(strings.ReplaceAll(token, "_", " ")))
}
