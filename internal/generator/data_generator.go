// Package generator produces synthetic rows for manual and lookup tables so that a
// fresh pipeline schema can be exercised before real data arrives.
package generator

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jaswdr/faker"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/pkg/models"
)

var (
	baseType     = regexp.MustCompile(`^([a-z]+)`)
	typeLength   = regexp.MustCompile(`^[a-z]+\((\d+)\)`)
	decimalSpec  = regexp.MustCompile(`^(?:decimal|numeric|dec|fixed)(?:\((\d+)(?:,\s*(\d+))?\))?`)
	quotedMember = regexp.MustCompile(`'((?:[^']|'')*)'`)
)

// DataGenerator generates fake values that fit a column's declared type
type DataGenerator struct {
	Faker  faker.Faker
	Logger *logrus.Logger
	// Now anchors generated dates and times
	Now time.Time
}

// NewDataGenerator creates a new data generator
func NewDataGenerator(logger *logrus.Logger) *DataGenerator {
	return &DataGenerator{
		Faker:  faker.New(),
		Logger: logger,
		Now:    time.Now().UTC().Truncate(time.Second),
	}
}

// NewDataGeneratorWithSeed creates a generator whose output is reproducible
func NewDataGeneratorWithSeed(seed int64, logger *logrus.Logger) *DataGenerator {
	return &DataGenerator{
		Faker:  faker.NewWithSeed(rand.NewSource(seed)),
		Logger: logger,
		Now:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// GenerateData generates a value for a column. Auto-increment columns get nil so
// the store assigns them.
func (dg *DataGenerator) GenerateData(column models.Column) interface{} {
	if column.IsAutoIncrement {
		return nil
	}
	switch {
	case column.IsString:
		return dg.generateString(column)
	case column.IsNumeric:
		return dg.generateNumber(column)
	case column.IsBlob:
		return dg.generateBinary(column)
	}
	dg.Logger.Warningf("No specific generator for type %s, using default string", column.Type)
	return dg.Faker.Lorem().Word()
}

// generateString covers text, temporal, enum, set, and json columns
func (dg *DataGenerator) generateString(column models.Column) interface{} {
	switch typeName(column) {
	case "date":
		return dg.randomTime(365 * 5).Truncate(24 * time.Hour)
	case "datetime", "timestamp":
		if hasToken(column.Name, "deleted") && column.IsNullable && dg.Faker.IntBetween(1, 10) <= 7 {
			return nil
		}
		return dg.randomTime(365 * 5)
	case "time":
		return fmt.Sprintf("%02d:%02d:%02d", dg.Faker.IntBetween(0, 23), dg.Faker.IntBetween(0, 59), dg.Faker.IntBetween(0, 59))
	case "year":
		return strconv.Itoa(dg.Faker.IntBetween(1970, dg.Now.Year()))
	case "enum":
		return dg.generateEnum(column)
	case "set":
		return dg.generateSet(column)
	case "json":
		return dg.generateJSON(column)
	}

	limit := 255
	if m := typeLength.FindStringSubmatch(column.Type); m != nil {
		limit, _ = strconv.Atoi(m[1])
	}
	value, ok := dg.byName(column)
	if !ok {
		value = dg.randomText(limit)
	}
	return truncate(value, limit)
}

// byName picks a realistic value from the column name
func (dg *DataGenerator) byName(column models.Column) (string, bool) {
	name := column.Name
	switch {
	case hasToken(name, "email"):
		return dg.Faker.Internet().Email(), true
	case hasToken(name, "name") && !hasToken(name, "file"):
		switch {
		case hasToken(name, "first"):
			return dg.Faker.Person().FirstName(), true
		case hasToken(name, "last"):
			return dg.Faker.Person().LastName(), true
		case hasToken(name, "user"):
			return dg.Faker.Internet().User(), true
		case hasToken(name, "company"), hasToken(name, "business"):
			return dg.Faker.Company().Name(), true
		}
		return dg.Faker.Person().Name(), true
	case hasToken(name, "phone"):
		return dg.Faker.Phone().Number(), true
	case hasToken(name, "address"):
		return dg.Faker.Address().Address(), true
	case hasToken(name, "city"):
		return dg.Faker.Address().City(), true
	case hasToken(name, "state"):
		return dg.Faker.Address().State(), true
	case hasToken(name, "country"):
		return dg.Faker.Address().Country(), true
	case hasToken(name, "zip"), hasToken(name, "postal"):
		return dg.Faker.Address().PostCode(), true
	case hasToken(name, "description"), hasToken(name, "summary"), hasToken(name, "notes"):
		return dg.Faker.Lorem().Paragraph(3), true
	case hasToken(name, "title"):
		return dg.Faker.Lorem().Sentence(4), true
	case hasToken(name, "url"), hasToken(name, "website"):
		return dg.Faker.Internet().URL(), true
	case hasToken(name, "ip"):
		return dg.Faker.Internet().Ipv4(), true
	case hasToken(name, "password"):
		return dg.Faker.Internet().Password(), true
	case hasToken(name, "token"):
		return dg.Faker.RandomStringWithLength(32), true
	case hasToken(name, "color"):
		return dg.Faker.Color().Hex(), true
	case hasToken(name, "filename"), strings.Contains(strings.ToLower(name), "file_name"):
		return dg.Faker.File().FilenameWithExtension(), true
	case hasToken(name, "path"):
		return "/" + dg.Faker.Lorem().Word() + "/" + dg.Faker.File().FilenameWithExtension(), true
	case hasToken(name, "uuid"):
		return dg.Faker.UUID().V4(), true
	}
	return "", false
}

// randomText returns filler sized to the column
func (dg *DataGenerator) randomText(limit int) string {
	if limit > 100 {
		limit = 100
	}
	length := dg.Faker.IntBetween(1, max(limit, 1))
	switch {
	case length <= 5:
		return dg.Faker.RandomStringWithLength(length)
	case length <= 10:
		return dg.Faker.Lorem().Word()
	case length <= 50:
		return dg.Faker.Lorem().Sentence(max(length/10, 1))
	}
	return dg.Faker.Lorem().Paragraph(max(length/30, 1))
}

// generateNumber covers integer, boolean, bit, fixed-point, and floating columns
func (dg *DataGenerator) generateNumber(column models.Column) interface{} {
	unsigned := strings.Contains(column.Type, "unsigned")
	positive := unsigned || column.IsKey

	switch name := typeName(column); name {
	case "bool", "boolean":
		return dg.Faker.IntBetween(0, 1) == 1
	case "bit":
		width := 1
		if m := typeLength.FindStringSubmatch(column.Type); m != nil {
			width, _ = strconv.Atoi(m[1])
		}
		if width > 62 {
			width = 62
		}
		return int64(dg.Faker.IntBetween(0, 1<<width-1))
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint":
		lo, hi := integerRange(name, unsigned)
		if positive && lo < 0 {
			lo = 0
		}
		if lat, ok := dg.coordinate(column); ok {
			return int64(lat)
		}
		return int64(dg.Faker.IntBetween(lo, hi))
	case "decimal", "numeric", "dec", "fixed":
		return dg.generateDecimal(column)
	}

	if v, ok := dg.coordinate(column); ok {
		return v
	}
	return dg.Faker.Float64(4, 0, 1000)
}

// coordinate returns a latitude or longitude for columns named after one
func (dg *DataGenerator) coordinate(column models.Column) (float64, bool) {
	switch {
	case hasToken(column.Name, "lat"), hasToken(column.Name, "latitude"):
		return dg.Faker.Address().Latitude(), true
	case hasToken(column.Name, "lon"), hasToken(column.Name, "lng"), hasToken(column.Name, "longitude"):
		return dg.Faker.Address().Longitude(), true
	}
	return 0, false
}

// integerRange returns the bounds of an integer type, bigint limited to exact float range
func integerRange(name string, unsigned bool) (int, int) {
	var bits uint
	switch name {
	case "tinyint":
		bits = 8
	case "smallint":
		bits = 16
	case "mediumint":
		bits = 24
	case "int", "integer":
		bits = 32
	default:
		if unsigned {
			return 0, 1<<53 - 1
		}
		return -(1 << 53), 1<<53 - 1
	}
	if unsigned {
		return 0, 1<<bits - 1
	}
	return -(1 << (bits - 1)), 1<<(bits-1) - 1
}

// generateDecimal returns a value that fits decimal(p,s) exactly
func (dg *DataGenerator) generateDecimal(column models.Column) decimal.Decimal {
	precision, scale := 10, 0
	if m := decimalSpec.FindStringSubmatch(column.Type); m != nil {
		if m[1] != "" {
			precision, _ = strconv.Atoi(m[1])
		}
		if m[2] != "" {
			scale, _ = strconv.Atoi(m[2])
		}
	}
	digits := precision
	if digits > 15 {
		digits = 15
	}
	limit := 1
	for i := 0; i < digits; i++ {
		limit *= 10
	}
	return decimal.New(int64(dg.Faker.IntBetween(0, limit-1)), -int32(scale))
}

// generateBinary returns random bytes; binary(n) is filled exactly
func (dg *DataGenerator) generateBinary(column models.Column) []byte {
	var length int
	switch typeName(column) {
	case "binary":
		length = 1
		if m := typeLength.FindStringSubmatch(column.Type); m != nil {
			length, _ = strconv.Atoi(m[1])
		}
	case "varbinary":
		limit := 10
		if m := typeLength.FindStringSubmatch(column.Type); m != nil {
			limit, _ = strconv.Atoi(m[1])
		}
		length = dg.Faker.IntBetween(1, max(min(limit, 100), 1))
	case "tinyblob":
		length = 255
	case "mediumblob":
		length = 1000
	case "longblob":
		length = 2000
	default:
		length = 500
	}

	data := make([]byte, length)
	for i := range data {
		data[i] = byte(dg.Faker.IntBetween(0, 255))
	}
	return data
}

// randomTime returns a second-resolution time within the given number of days before Now
func (dg *DataGenerator) randomTime(days int) time.Time {
	seconds := dg.Faker.IntBetween(0, days*24*3600)
	return dg.Now.Add(-time.Duration(seconds) * time.Second)
}

// members extracts the quoted values of an enum or set type
func members(column models.Column) []string {
	open := strings.IndexByte(column.Type, '(')
	if open < 0 {
		return nil
	}
	var values []string
	for _, m := range quotedMember.FindAllStringSubmatch(column.Type[open:], -1) {
		values = append(values, strings.ReplaceAll(m[1], "''", "'"))
	}
	return values
}

// generateEnum generates a random enum value
func (dg *DataGenerator) generateEnum(column models.Column) string {
	values := members(column)
	if len(values) == 0 {
		return ""
	}
	return values[dg.Faker.IntBetween(0, len(values)-1)]
}

// generateSet generates a random set value
func (dg *DataGenerator) generateSet(column models.Column) string {
	values := members(column)
	if len(values) == 0 {
		return ""
	}
	var selected []string
	for _, v := range values {
		if dg.Faker.IntBetween(0, 1) == 1 {
			selected = append(selected, v)
		}
	}
	if len(selected) == 0 {
		selected = append(selected, values[0])
	}
	return strings.Join(selected, ",")
}

// generateJSON generates a small document shaped by the column name
func (dg *DataGenerator) generateJSON(column models.Column) string {
	var data interface{}

	switch {
	case hasToken(column.Name, "address"):
		data = map[string]interface{}{
			"street":  dg.Faker.Address().StreetAddress(),
			"city":    dg.Faker.Address().City(),
			"zipCode": dg.Faker.Address().PostCode(),
			"country": dg.Faker.Address().Country(),
		}
	case hasToken(column.Name, "params"), hasToken(column.Name, "parameters"), hasToken(column.Name, "settings"):
		data = map[string]interface{}{
			"threshold": dg.Faker.Float64(3, 0, 10),
			"window":    dg.Faker.IntBetween(1, 100),
			"method":    dg.Faker.Lorem().Word(),
		}
	case hasToken(column.Name, "meta"), hasToken(column.Name, "metadata"), hasToken(column.Name, "attributes"):
		data = map[string]interface{}{
			"created": dg.randomTime(365).Format(time.RFC3339),
			"author":  dg.Faker.Person().Name(),
			"version": fmt.Sprintf("%d.%d.%d", dg.Faker.IntBetween(0, 9), dg.Faker.IntBetween(0, 9), dg.Faker.IntBetween(0, 9)),
		}
	case hasToken(column.Name, "tags"):
		var tags []string
		for i := 0; i < dg.Faker.IntBetween(1, 4); i++ {
			tags = append(tags, dg.Faker.Lorem().Word())
		}
		data = tags
	default:
		data = map[string]interface{}{
			"id":      dg.Faker.IntBetween(0, 1000),
			"name":    dg.Faker.Lorem().Word(),
			"value":   dg.Faker.Lorem().Sentence(5),
			"enabled": dg.Faker.IntBetween(0, 1) == 1,
		}
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		dg.Logger.Errorf("Error generating JSON: %v", err)
		return "{}"
	}
	return string(jsonBytes)
}

// typeName returns the SQL type without length or modifiers
func typeName(column models.Column) string {
	return baseType.FindString(strings.ToLower(column.Type))
}

// hasToken reports whether an underscore-separated column name contains word
func hasToken(name, word string) bool {
	for _, part := range strings.Split(strings.ToLower(name), "_") {
		if part == word {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
