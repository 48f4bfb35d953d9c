package ingest

import (
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/ctmansfield/health-portal/migrations"
)

var createTableRe = regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS (\w+) \((.*?)\n\);`)

// tableColumns maps each table created in ddl to its column names and
// UNIQUE constraints, in declaration order.
func tableColumns(t *testing.T, ddl string) map[string][]string {
	t.Helper()
	tables := make(map[string][]string)
	for _, m := range createTableRe.FindAllStringSubmatch(ddl, -1) {
		var cols []string
		for _, line := range strings.Split(m[2], "\n") {
			line = strings.TrimSuffix(strings.TrimSpace(line), ",")
			if line == "" || strings.HasPrefix(line, "--") {
				continue
			}
			word := strings.Fields(line)[0]
			switch strings.ToUpper(word) {
			case "UNIQUE":
				cols = append(cols, strings.Join(strings.Fields(line), " "))
			case "PRIMARY", "FOREIGN", "CHECK", "CONSTRAINT":
			default:
				cols = append(cols, strings.ToLower(word))
			}
		}
		tables[m[1]] = cols
	}
	if len(tables) == 0 {
		t.Fatal("no CREATE TABLE statements found")
	}
	return tables
}

func TestSQLiteSchemaMatchesMigrations(t *testing.T) {
	data, err := fs.ReadFile(migrations.FS, "001_ingest.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	pg := tableColumns(t, string(data))
	lite := tableColumns(t, sqliteSchema)

	names := func(m map[string][]string) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	if got, want := strings.Join(names(lite), ","), strings.Join(names(pg), ","); got != want {
		t.Fatalf("tables differ: sqlite %s, postgres %s", got, want)
	}
	for table, cols := range pg {
		if got, want := strings.Join(lite[table], ", "), strings.Join(cols, ", "); got != want {
			t.Errorf("%s columns differ:\n sqlite:   %s\n postgres: %s", table, got, want)
		}
	}
}
