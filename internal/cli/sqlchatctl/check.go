package sqlchatctl

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/sqlchat/sqlchat/internal/sqlast/pgquery"
	"github.com/sqlchat/sqlchat/internal/sqlguard"
)

// runCheck validates SQL against a table list given on the command line, so
// allowlists can be tried out without a database or a running server.
func runCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	allow := fs.String("allow", "", "comma-separated allowed tables (schema.table or bare names)")
	defaultSchema := fs.String("schema", sqlguard.DefaultSchema, "schema bare table names resolve to")
	maxRows := fs.Int64("max-rows", 100, "row ceiling enforced on the outermost query")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	sqlText := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if sqlText == "" {
		_, _ = fmt.Fprintln(stderr, "usage: sqlchatctl check [-allow t1,t2] [-schema s] [-max-rows n] <sql>")
		return 2
	}

	allowlist := sqlguard.NewAllowlist(*defaultSchema)
	allowlist.Replace(strings.Split(*allow, ","))
	validator, err := sqlguard.New(pgquery.New(), allowlist, *maxRows)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid check options: %v\n", err)
		return 2
	}

	accepted, err := validator.Validate(sqlguard.Request{SQL: sqlText})
	if err != nil {
		rejection, ok := sqlguard.AsRejection(err)
		if !ok {
			_, _ = fmt.Fprintf(stderr, "validation failed: %v\n", err)
			return 1
		}
		writeIndented(stdout, map[string]any{
			"valid":      false,
			"error_code": rejection.Code(),
			"message":    rejection.Detail,
			"context":    rejection.Context(),
		})
		return 1
	}
	writeIndented(stdout, map[string]any{
		"valid":  true,
		"sql":    accepted.SQL,
		"limits": accepted.Limits,
	})
	return 0
}

func writeIndented(w io.Writer, payload any) {
	formatted, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintln(w, err)
		return
	}
	_, _ = fmt.Fprintln(w, string(formatted))
}
