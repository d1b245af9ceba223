package gold

import "github.com/zeebo/xxh3"

// Key spaces of the surrogate identifiers
const (
	CountryKeySpace = 10000
	ProductKeySpace = 100000
)

// CountryID derives the country surrogate key from the raw country string.
// xxh3 is unseeded here, so the key is the same in every process.
func CountryID(raw string) int64 {
	return int64(xxh3.HashString(raw) % CountryKeySpace)
}

// ProductID derives the product surrogate key from the stock code and the raw description
func ProductID(stockCode, description string) int64 {
	return int64(xxh3.HashString(stockCode+"_"+description) % ProductKeySpace)
}
