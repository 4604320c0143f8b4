package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/functions"
	"github.com/watzon/fngate/internal/server"
)

const (
	functionsTableWidth = 78
	descriptionMaxLen   = 36
)

var functionsJSON bool

var functionsCmd = &cobra.Command{
	Use:     "functions",
	Aliases: []string{"fn", "ls"},
	Short:   "List the functions that would be served",
	RunE:    runFunctions,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the functions directory",
	Long: `Load every function the way the server does and report every
definition error. Exits non-zero when anything fails to load.`,
	RunE: runCheck,
}

func init() {
	functionsCmd.Flags().BoolVar(&functionsJSON, "json", false, "Print definitions as JSON")
	functionsCmd.Flags().StringVarP(&serveFunctions, "functions", "f", "", "Functions directory (default from config)")
	checkCmd.Flags().StringVarP(&serveFunctions, "functions", "f", "", "Functions directory (default from config)")

	rootCmd.AddCommand(functionsCmd)
	rootCmd.AddCommand(checkCmd)
}

func loadTable() (*functions.Table, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if serveFunctions != "" {
		cfg.Functions.Path = serveFunctions
	}
	loader, err := server.NewLoader(cfg)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

func runFunctions(cmd *cobra.Command, args []string) error {
	table, err := loadTable()
	if err != nil {
		return err
	}
	defs := table.Functions()
	out := cmd.OutOrStdout()

	if functionsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	if len(defs) == 0 {
		fmt.Fprintln(out, "No functions found.")
		return nil
	}
	printFunctions(out, defs, table.Schedules())
	return nil
}

func printFunctions(out io.Writer, defs []*definition.Definition, schedules []functions.Scheduled) {
	scheduled := make(map[string]int)
	for _, s := range schedules {
		scheduled[s.Definition.Route]++
	}

	fmt.Fprintf(out, "%-24s %-8s %-8s %s\n", "ROUTE", "RUNTIME", "CRON", "DESCRIPTION")
	fmt.Fprintln(out, strings.Repeat("-", functionsTableWidth))
	for _, def := range defs {
		runtime := def.Runtime
		if runtime == "" {
			runtime = "native"
		}
		desc := def.Description
		if i := strings.IndexByte(desc, '\n'); i >= 0 {
			desc = desc[:i]
		}
		if len(desc) > descriptionMaxLen {
			desc = desc[:descriptionMaxLen-3] + "..."
		}
		fmt.Fprintf(out, "%-24s %-8s %-8d %s\n", def.Route, runtime, scheduled[def.Route], desc)

		if def.Methods != nil {
			methods := make([]string, 0, len(def.Methods))
			for m := range def.Methods {
				methods = append(methods, m)
			}
			sort.Strings(methods)
			fmt.Fprintf(out, "  methods: %s\n", strings.Join(methods, ", "))
		}
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	table, err := loadTable()
	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintln(out, "Functions failed to load:")
		for _, line := range strings.Split(err.Error(), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
		return fmt.Errorf("check failed")
	}

	fmt.Fprintf(out, "OK: %d functions, %d schedules\n", len(table.Functions()), len(table.Schedules()))
	return nil
}
