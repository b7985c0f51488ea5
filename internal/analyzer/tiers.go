package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vitebski/pipeline-populator/internal/utils"
	"github.com/vitebski/pipeline-populator/pkg/apperrors"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// tierNameBody is shared by the Go and the MySQL form of the pattern
const tierNameBody = `(~|#|__|_)?([a-z][a-z0-9_]*)$`

var (
	intDisplayWidth = regexp.MustCompile(`^((tiny|small|medium|big)?int)\(\d+\)`)
	numericType     = regexp.MustCompile(`^(tinyint|smallint|mediumint|int|integer|bigint|bit|bool|boolean|decimal|numeric|dec|fixed|float|double|real)\b`)
	stringType      = regexp.MustCompile(`^(char|varchar|tinytext|text|mediumtext|longtext|enum|set|date|datetime|time|timestamp|year|json)\b`)
	blobType        = regexp.MustCompile(`^(binary|varbinary|tinyblob|blob|mediumblob|longblob)\b`)
)

// TierPattern classifies table names of one schema by their prefix
type TierPattern struct {
	Prefix string
	re     *regexp.Regexp
}

// NewTierPattern builds the pattern for tables sharing an optional literal prefix
func NewTierPattern(prefix string) *TierPattern {
	return &TierPattern{
		Prefix: prefix,
		re:     regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + tierNameBody),
	}
}

// SQLPattern returns the REGEXP used to filter the table listing
func (p *TierPattern) SQLPattern() string {
	return `^` + regexp.QuoteMeta(p.Prefix) + `(~|#|__|_)?[a-z][a-z0-9_]*$`
}

// Classify returns the tier and class name of a table, or false when the name does not belong to the schema
func (p *TierPattern) Classify(name string) (models.Tier, string, bool) {
	m := p.re.FindStringSubmatch(name)
	if m == nil {
		return models.Manual, "", false
	}

	tier := models.Manual
	switch m[1] {
	case "#":
		tier = models.Lookup
	case "_":
		tier = models.Imported
	case "__":
		tier = models.Computed
	case "~":
		tier = models.Job
	}

	className, err := utils.ToCamelCase(m[2])
	if err != nil {
		return tier, "", false
	}
	return tier, className, true
}

// TableName builds the store-side name of a class in the given tier
func (p *TierPattern) TableName(className string, tier models.Tier) (string, error) {
	base, err := utils.FromCamelCase(className)
	if err != nil {
		return "", err
	}
	return p.Prefix + tier.TierPrefix() + base, nil
}

// classifyColumn fills the type flags of a column from its SQL type
func classifyColumn(table string, col *models.Column) error {
	col.Type = intDisplayWidth.ReplaceAllString(strings.ToLower(col.Type), "$1")
	switch {
	case numericType.MatchString(col.Type):
		col.IsNumeric = true
	case stringType.MatchString(col.Type):
		col.IsString = true
	case blobType.MatchString(col.Type):
		col.IsBlob = true
	default:
		return &apperrors.SchemaLoadError{
			Table:  table,
			Reason: fmt.Sprintf("column %s has unsupported type %q", col.Name, col.Type),
		}
	}
	return nil
}
