package generator

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitebski/pipeline-populator/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func str(name, typ string) models.Column {
	return models.Column{Name: name, Type: typ, IsString: true}
}

func num(name, typ string) models.Column {
	return models.Column{Name: name, Type: typ, IsNumeric: true}
}

func TestGenerateStringsFitTheColumn(t *testing.T) {
	dg := NewDataGeneratorWithSeed(7, quietLogger())

	for i := 0; i < 50; i++ {
		v := dg.GenerateData(str("code", "varchar(8)"))
		require.IsType(t, "", v)
		assert.LessOrEqual(t, len([]rune(v.(string))), 8)

		email := dg.GenerateData(str("contact_email", "varchar(255)"))
		assert.Contains(t, email, "@")

		first := dg.GenerateData(str("first_name", "char(4)"))
		assert.LessOrEqual(t, len([]rune(first.(string))), 4)
	}
}

func TestGenerateTemporalValues(t *testing.T) {
	dg := NewDataGeneratorWithSeed(7, quietLogger())
	clock := regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)

	for i := 0; i < 50; i++ {
		date, ok := dg.GenerateData(str("session_date", "date")).(time.Time)
		require.True(t, ok)
		assert.True(t, date.Before(dg.Now) || date.Equal(dg.Now))
		assert.Zero(t, date.Hour())

		ts, ok := dg.GenerateData(str("recorded_at", "datetime(6)")).(time.Time)
		require.True(t, ok)
		assert.True(t, dg.Now.Sub(ts) <= 5*365*24*time.Hour)

		assert.Regexp(t, clock, dg.GenerateData(str("start", "time")))

		year, err := strconv.Atoi(dg.GenerateData(str("cohort", "year")).(string))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, year, 1970)
	}
}

func TestGenerateEnumAndSetMembers(t *testing.T) {
	dg := NewDataGeneratorWithSeed(7, quietLogger())
	enum := str("sex", "enum('M','F','don''t know')")
	set := str("flags", "set('a','b','c')")

	for i := 0; i < 50; i++ {
		assert.Contains(t, []string{"M", "F", "don't know"}, dg.GenerateData(enum))
		for _, part := range strings.Split(dg.GenerateData(set).(string), ",") {
			assert.Contains(t, []string{"a", "b", "c"}, part)
		}
	}
}

func TestGenerateNumbersWithinRange(t *testing.T) {
	dg := NewDataGeneratorWithSeed(7, quietLogger())
	key := num("mouse_id", "int")
	key.IsKey = true

	for i := 0; i < 100; i++ {
		tiny := dg.GenerateData(num("channel", "tinyint unsigned")).(int64)
		assert.True(t, tiny >= 0 && tiny <= 255)

		small := dg.GenerateData(num("offset", "smallint")).(int64)
		assert.True(t, small >= -32768 && small <= 32767)

		assert.GreaterOrEqual(t, dg.GenerateData(key).(int64), int64(0))

		bit := dg.GenerateData(num("mask", "bit(3)")).(int64)
		assert.True(t, bit >= 0 && bit < 8)

		assert.IsType(t, true, dg.GenerateData(num("valid", "boolean")))
		assert.IsType(t, float64(0), dg.GenerateData(num("gain", "double")))

		d := dg.GenerateData(num("weight", "decimal(5,2)")).(decimal.Decimal)
		assert.True(t, d.LessThan(decimal.NewFromInt(1000)), d.String())
		assert.True(t, d.Equal(d.Round(2)), d.String())
	}
}

func TestGenerateSkipsAutoIncrement(t *testing.T) {
	dg := NewDataGeneratorWithSeed(7, quietLogger())
	col := num("scan_id", "int unsigned")
	col.IsAutoIncrement = true
	assert.Nil(t, dg.GenerateData(col))
}

func TestGenerateBinaryAndJSON(t *testing.T) {
	dg := NewDataGeneratorWithSeed(7, quietLogger())

	fixed := dg.GenerateData(models.Column{Name: "digest", Type: "binary(16)", IsBlob: true})
	assert.Len(t, fixed, 16)

	blob := dg.GenerateData(models.Column{Name: "frames", Type: "longblob", IsBlob: true})
	assert.Len(t, blob, 2000)

	for _, name := range []string{"params", "metadata", "tags", "payload"} {
		doc := dg.GenerateData(str(name, "json")).(string)
		assert.True(t, json.Valid([]byte(doc)), doc)
	}
}

func TestSeededGeneratorsAgree(t *testing.T) {
	a := NewDataGeneratorWithSeed(42, quietLogger())
	b := NewDataGeneratorWithSeed(42, quietLogger())
	col := str("species", "varchar(32)")
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.GenerateData(col), b.GenerateData(col))
	}
}
