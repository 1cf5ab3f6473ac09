// Command tableforgectl is a small, flag-driven demonstration client for
// package tableforge. It takes structured subcommands and flags, never SQL
// text — the SQL parser/planner and any richer CLI rendering are external
// collaborators this module does not implement.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/branchql/tableforge"
	"github.com/branchql/tableforge/internal/config"
	"github.com/branchql/tableforge/internal/row"
	"github.com/branchql/tableforge/internal/schema"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tableforgectl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("tableforgectl", flag.ContinueOnError)
	dbDir := fs.String("db", "", "database directory (required unless -config is given)")
	configPath := fs.String("config", "", "path to an engine.yaml config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: tableforgectl [-db dir | -config engine.yaml] <command> [args...]\n" +
			"commands: create-table, insert, scan, commit, branch, merge, demo")
	}

	db, err := openDatabase(*dbDir, *configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "create-table":
		return cmdCreateTable(db, cmdArgs)
	case "insert":
		return cmdInsert(db, cmdArgs)
	case "scan":
		return cmdScan(db, cmdArgs)
	case "commit":
		return cmdCommit(db, cmdArgs)
	case "branch":
		return cmdBranch(db, cmdArgs)
	case "merge":
		return cmdMerge(db, cmdArgs)
	case "demo":
		return cmdDemo(db)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openDatabase(dbDir, configPath string) (*tableforge.Database, error) {
	switch {
	case configPath != "":
		cfg, err := config.LoadEngineConfig(configPath)
		if err != nil {
			return nil, err
		}
		return tableforge.OpenWithConfig(cfg)
	case dbDir != "":
		return tableforge.Open(dbDir)
	default:
		return nil, fmt.Errorf("one of -db or -config is required")
	}
}

// columnKinds maps the CLI's short type names to schema.Kind.
var columnKinds = map[string]schema.Kind{
	"int32": schema.Int32, "int64": schema.Int64,
	"float32": schema.Float32, "float64": schema.Float64,
	"ts": schema.Timestamp, "bool": schema.Boolean, "string": schema.String,
}

// parseColumn parses one "name:kind[:width][:null]" column spec.
func parseColumn(spec string) (schema.Column, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return schema.Column{}, fmt.Errorf("column spec %q: want name:kind[:width][:null]", spec)
	}
	kind, ok := columnKinds[parts[1]]
	if !ok {
		return schema.Column{}, fmt.Errorf("column spec %q: unknown kind %q", spec, parts[1])
	}
	col := schema.Column{Name: parts[0], Kind: kind}
	rest := parts[2:]
	if kind == schema.String {
		if len(rest) == 0 {
			return schema.Column{}, fmt.Errorf("column spec %q: string columns need a width", spec)
		}
		width, err := strconv.Atoi(rest[0])
		if err != nil {
			return schema.Column{}, fmt.Errorf("column spec %q: bad width: %w", spec, err)
		}
		col.Width = width
		rest = rest[1:]
	}
	for _, flagTok := range rest {
		if flagTok == "null" {
			col.Nullable = true
		}
	}
	return col, nil
}

func cmdCreateTable(db *tableforge.Database, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: create-table <table> <col:kind[:width][:null]>...")
	}
	name := args[0]
	cols := make([]schema.Column, 0, len(args)-1)
	for _, spec := range args[1:] {
		col, err := parseColumn(spec)
		if err != nil {
			return err
		}
		cols = append(cols, col)
	}
	if err := db.CreateTable(name, schema.Schema{Columns: cols}); err != nil {
		return err
	}
	fmt.Printf("created table %q with %d columns\n", name, len(cols))
	return nil
}

// parseValue interprets one CLI token as a row.Value against col's kind.
// The literal "null" parses as a typed null; anything else is parsed per
// the column's declared kind.
func parseValue(col schema.Column, tok string) (row.Value, error) {
	if tok == "null" {
		return row.NullValue(col.Kind), nil
	}
	switch col.Kind {
	case schema.Int32:
		v, err := strconv.ParseInt(tok, 10, 32)
		return row.Int32Value(int32(v)), err
	case schema.Int64:
		v, err := strconv.ParseInt(tok, 10, 64)
		return row.Int64Value(v), err
	case schema.Float32:
		v, err := strconv.ParseFloat(tok, 32)
		return row.Float32Value(float32(v)), err
	case schema.Float64:
		v, err := strconv.ParseFloat(tok, 64)
		return row.Float64Value(v), err
	case schema.Timestamp:
		v, err := strconv.ParseInt(tok, 10, 32)
		return row.TimestampValue(int32(v)), err
	case schema.Boolean:
		v, err := strconv.ParseBool(tok)
		return row.BoolValue(v), err
	default:
		return row.StringValue(tok), nil
	}
}

func cmdInsert(db *tableforge.Database, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: insert <table> <value>...")
	}
	name := args[0]
	h, err := db.OpenTable(name)
	if err != nil {
		return err
	}
	s := h.Schema()
	if len(args)-1 != len(s.Columns) {
		return fmt.Errorf("table %q has %d columns, got %d values", name, len(s.Columns), len(args)-1)
	}
	values := make([]row.Value, len(s.Columns))
	for i, col := range s.Columns {
		v, err := parseValue(col, args[1+i])
		if err != nil {
			return fmt.Errorf("value %d (%s): %w", i, col.Name, err)
		}
		values[i] = v
	}
	page, slot, err := db.Insert(name, values)
	if err != nil {
		return err
	}
	fmt.Printf("inserted into %q at (page=%d, slot=%d)\n", name, page, slot)
	return nil
}

func formatValue(v row.Value) string {
	if v.IsNull {
		return "NULL"
	}
	switch v.Kind {
	case schema.Int32:
		return strconv.FormatInt(int64(v.I32), 10)
	case schema.Int64:
		return strconv.FormatInt(v.I64, 10)
	case schema.Float32:
		return strconv.FormatFloat(float64(v.F32), 'g', -1, 32)
	case schema.Float64:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case schema.Timestamp:
		return strconv.FormatInt(int64(v.Ts), 10)
	case schema.Boolean:
		return strconv.FormatBool(v.B)
	default:
		return v.S
	}
}

func cmdScan(db *tableforge.Database, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scan <table>")
	}
	rows, err := db.Scan(args[0])
	if err != nil {
		return err
	}
	for _, r := range rows {
		cells := make([]string, len(r.Values))
		for i, v := range r.Values {
			cells[i] = formatValue(v)
		}
		fmt.Printf("(page=%d, slot=%d): %s\n", r.Page, r.Slot, strings.Join(cells, ", "))
	}
	return nil
}

// cmdCommit records one row-level operation against one table as a new
// commit on branch: commit <branch> <message> <table> <insert|update|remove> <page> <row> [values...]
func cmdCommit(db *tableforge.Database, args []string) error {
	if len(args) < 6 {
		return fmt.Errorf("usage: commit <branch> <message> <table> <insert|update|remove> <page> <row> [values...]")
	}
	branchName, message, tableName, opTok := args[0], args[1], args[2], args[3]
	page, err := strconv.ParseInt(args[4], 10, 32)
	if err != nil {
		return fmt.Errorf("page: %w", err)
	}
	rowNum, err := strconv.ParseInt(args[5], 10, 32)
	if err != nil {
		return fmt.Errorf("row: %w", err)
	}

	var tag tableforge.OpTag
	var rowBytes []byte
	switch opTok {
	case "insert":
		tag = tableforge.OpInsert
	case "update":
		tag = tableforge.OpUpdate
	case "remove":
		tag = tableforge.OpRemove
	default:
		return fmt.Errorf("unknown op %q: want insert, update, or remove", opTok)
	}

	if tag != tableforge.OpRemove {
		h, err := db.OpenTable(tableName)
		if err != nil {
			return err
		}
		s := h.Schema()
		values := args[6:]
		if len(values) != len(s.Columns) {
			return fmt.Errorf("table %q has %d columns, got %d values", tableName, len(s.Columns), len(values))
		}
		vals := make([]row.Value, len(s.Columns))
		for i, col := range s.Columns {
			v, err := parseValue(col, values[i])
			if err != nil {
				return fmt.Errorf("value %d (%s): %w", i, col.Name, err)
			}
			vals[i] = v
		}
		rowBytes, err = row.EncodeRow(s, vals)
		if err != nil {
			return err
		}
	}

	diff := tableforge.TableDiff{
		Table:   tableName,
		Tag:     tag,
		RowSize: int32(len(rowBytes)),
		Entries: []tableforge.RowEntry{{PageNumber: int32(page), RowNum: int32(rowNum), RowBytes: rowBytes}},
	}
	hash, err := db.Commit(branchName, message, "", []tableforge.TableDiff{diff})
	if err != nil {
		return err
	}
	fmt.Printf("committed %s to %q\n", hash, branchName)
	return nil
}

func cmdBranch(db *tableforge.Database, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: branch <create|list|delete> [args...]")
	}
	switch args[0] {
	case "create":
		if len(args) != 3 {
			return fmt.Errorf("usage: branch create <name> <source>")
		}
		if err := db.CreateBranch(args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("created branch %q from %q\n", args[1], args[2])
		return nil
	case "list":
		names, err := db.ListBranches()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: branch delete <name>")
		}
		if err := db.DeleteBranch(args[1]); err != nil {
			return err
		}
		fmt.Printf("deleted branch %q\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown branch subcommand %q", args[0])
	}
}

func cmdMerge(db *tableforge.Database, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: merge <source> <target> [abort|prefer-source|prefer-target]")
	}
	policy := tableforge.PolicyAbort
	if len(args) > 2 {
		switch args[2] {
		case "abort":
			policy = tableforge.PolicyAbort
		case "prefer-source":
			policy = tableforge.PolicyPreferSource
		case "prefer-target":
			policy = tableforge.PolicyPreferTarget
		default:
			return fmt.Errorf("unknown policy %q", args[2])
		}
	}
	result, err := db.Merge(args[0], args[1], policy)
	if err != nil {
		return err
	}
	if result.FastForward {
		fmt.Printf("fast-forwarded %q to %q\n", args[1], args[0])
		return nil
	}
	fmt.Printf("merged %q into %q as commit %s (%d conflicts resolved per policy)\n",
		args[0], args[1], result.NewCommitHash, len(result.Conflicts))
	return nil
}

// cmdDemo runs create-table, insert, commit, branch, and merge back to
// back against a scratch table so the whole stack can be exercised in one
// invocation: tableforgectl -db /tmp/demo demo
func cmdDemo(db *tableforge.Database) error {
	s := schema.Schema{Columns: []schema.Column{
		{Name: "id", Kind: schema.Int32},
		{Name: "label", Kind: schema.String, Width: 16, Nullable: true},
	}}
	const table = "demo_items"
	fmt.Println("creating table", table)
	if err := db.CreateTable(table, s); err != nil {
		return err
	}

	fmt.Println("inserting two rows")
	page1, row1, err := db.Insert(table, []row.Value{row.Int32Value(1), row.StringValue("first")})
	if err != nil {
		return err
	}
	if _, _, err := db.Insert(table, []row.Value{row.Int32Value(2), row.StringValue("second")}); err != nil {
		return err
	}

	encoded, err := row.EncodeRow(s, []row.Value{row.Int32Value(1), row.StringValue("first")})
	if err != nil {
		return err
	}
	hash, err := db.Commit("main", "seed demo_items", "", []tableforge.TableDiff{{
		Table: table, Tag: tableforge.OpInsert, RowSize: int32(len(encoded)),
		Entries: []tableforge.RowEntry{{PageNumber: page1, RowNum: row1, RowBytes: encoded}},
	}})
	if err != nil {
		return err
	}
	fmt.Println("committed", hash, "on main")

	fmt.Println("branching 'feature' off 'main'")
	if err := db.CreateBranch("feature", "main"); err != nil {
		return err
	}

	fmt.Println("merging 'feature' back into 'main'")
	result, err := db.Merge("feature", "main", tableforge.PolicyAbort)
	if err != nil {
		return err
	}
	fmt.Printf("merge result: fast-forward=%v conflicts=%d\n", result.FastForward, len(result.Conflicts))

	fmt.Println("final scan of", table)
	return cmdScan(db, []string{table})
}
