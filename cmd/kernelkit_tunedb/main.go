// kernelkit_tunedb inspects and maintains kernelkit tuning databases.
//
// Usage:
//
//	kernelkit_tunedb [flags] [tunedb-dir]
//
// Without a directory argument it opens the default database (see
// $KERNELKIT_TUNEDB). Without an action flag it prints the summary.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelkit/tunedb"
	"github.com/gomlx/kernelkit/types"
	"github.com/gomlx/kernelkit/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagTables = flag.String("tables", "", "Comma-separated list of kernel tables to work on. "+
		"Default is every table in the database.")

	flagSummary = flag.Bool("summary", false, "Displays a summary of each selected table: "+
		"number of tuned shapes, file size and path. This is the default action.")
	flagShow = flag.Bool("show", false, "Lists the tuned configurations of the selected tables, "+
		"one row per problem shape.")
	flagCompact = flag.Bool("compact", false, "Rewrites the selected tables as canonical snapshots: "+
		"duplicated keys and malformed rows are dropped.")
	flagRemove = flag.Bool("remove", false, "Deletes the selected tables. "+
		"Useful after a kernel implementation changed and its recorded timings no longer hold.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) > 1 {
		klog.Errorf("At most one tuning database directory expected. See 'kernelkit_tunedb -help'.")
		os.Exit(1)
	}
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	}
	if !*flagShow && !*flagCompact && !*flagRemove {
		*flagSummary = true
	}

	db := must.M1(tunedb.Open(dir))
	tables := selectTables(db)
	if len(tables) == 0 {
		fmt.Printf("No tuning tables in %q.\n", db.Dir())
		return
	}

	if *flagSummary {
		summary(db, tables)
	}
	if *flagShow {
		show(db, tables)
	}
	if *flagCompact {
		compact(db, tables)
	}
	if *flagRemove {
		remove(db, tables)
	}
}

// selectTables returns the tables to work on: all of them, or the -tables
// subset. Requested tables missing from the database are reported and
// skipped.
func selectTables(db *tunedb.DB) []string {
	all := must.M1(db.Tables())
	if *flagTables == "" {
		return all
	}
	existing := types.SetWith(all...)
	var selected []string
	for _, name := range strings.Split(*flagTables, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !existing.Has(name) {
			klog.Errorf("Table %q not found in %q, skipping.", name, db.Dir())
			continue
		}
		selected = append(selected, name)
	}
	return selected
}

func summary(db *tunedb.DB, tables []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := commandline.NewPlainTable(true)
	table.Row("Table", "Tuned Shapes", "File Size", "Path")
	for _, name := range tables {
		rows := must.M1(db.Load(name))
		path := db.Path(name)
		size := must.M1(os.Stat(path)).Size()
		table.Row(name,
			humanize.Comma(int64(len(rows))),
			humanize.Bytes(uint64(size)),
			path)
	}
	fmt.Println(table.Render())
}

func show(db *tunedb.DB, tables []string) {
	for _, name := range tables {
		rows := must.M1(db.Load(name))
		fmt.Println(titleStyle.Render(fmt.Sprintf("Table %q", name)))
		table := commandline.NewPlainTable(true)
		table.Row("Problem Shape", "Constants", "Warps", "Stages", "CTAs", "FP fusion")
		for _, key := range types.SortedKeys(rows) {
			cfg := rows[key]
			table.Row(key, commandline.FormatConstants(cfg.Constants),
				fmt.Sprintf("%d", cfg.NumWarps()),
				fmt.Sprintf("%d", cfg.NumStages()),
				fmt.Sprintf("%d", cfg.NumCTAs()),
				fmt.Sprintf("%v", cfg.FPFusion))
		}
		fmt.Println(table.Render())
	}
}

func compact(db *tunedb.DB, tables []string) {
	for _, name := range tables {
		rows := must.M1(db.Load(name))
		must.M(db.WriteSnapshot(name, rows))
		fmt.Printf("Compacted table %q: %s tuned shape(s).\n", name, humanize.Comma(int64(len(rows))))
	}
}

func remove(db *tunedb.DB, tables []string) {
	for _, name := range tables {
		must.M(db.Remove(name))
		fmt.Printf("Removed table %q.\n", name)
	}
}
