package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aleksaelezovic/quadstore/pkg/quadstore"
	"github.com/aleksaelezovic/quadstore/pkg/rdf"
)

var (
	dataDir    string
	configPath string
	indexes    string
	engine     string
	verbose    bool
	inferred   bool
)

var logger = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "quadstore",
	Short: "Embedded RDF quad store",
	Long:  `A command-line interface for inspecting and maintaining a quad store directory.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statement counts, storage usage and cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		st, err := store.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("Directory:        %s\n", store.Dir())
		fmt.Printf("Indexes:          %s\n", strings.Join(st.Indexes, ","))
		fmt.Printf("Explicit:         %d\n", st.Explicit)
		fmt.Printf("Inferred:         %d\n", st.Inferred)
		fmt.Printf("Named graphs:     %d\n", st.Contexts)
		fmt.Printf("Commit sequence:  %d\n", st.Seq)
		fmt.Printf("Storage:          %d / %d bytes\n", st.StorageUsed, st.StorageLimit)
		fmt.Printf("Values:           next id %d, %d free\n", st.Values.NextID, st.Values.FreeIDs)
		fmt.Printf("Value cache:      %d hits, %d misses\n", st.Values.CacheHits, st.Values.CacheMisses)
		fmt.Printf("Key cache:        %d entries, %d hits, %d misses\n", st.KeyCache.Len, st.KeyCache.Hits, st.KeyCache.Misses)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <subject> <predicate> <object> [graph]",
	Short: "Add a statement given as N-Triples terms",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		terms, err := parseTerms(args, false)
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		var added bool
		err = store.Update(context.Background(), func(w *quadstore.WriteTxn) error {
			added, err = w.AddStatement(terms[0], terms[1], terms[2], terms[3], !inferred)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to add statement: %w", err)
		}
		if added {
			fmt.Println("Statement added")
		} else {
			fmt.Println("Statement already present")
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <subject> <predicate> <object> [graph]",
	Short: "Remove statements matching a pattern, * matches anything",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		terms, err := parseTerms(args, true)
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		ctx := context.Background()
		var n int64
		err = store.Update(ctx, func(w *quadstore.WriteTxn) error {
			n, err = w.RemoveStatements(ctx, terms[0], terms[1], terms[2], terms[3], !inferred)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to remove statements: %w", err)
		}
		fmt.Printf("Removed %d statements\n", n)
		return nil
	},
}

var matchCmd = &cobra.Command{
	Use:   "match <subject> <predicate> <object> [graph]",
	Short: "List statements matching a pattern, * matches anything",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		terms, err := parseTerms(args, true)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		return store.View(func(snap *quadstore.Snapshot) error {
			it, err := snap.Statements(context.Background(), terms[0], terms[1], terms[2], terms[3], inferred)
			if err != nil {
				return err
			}
			defer it.Close() // #nosec G104
			n := 0
			for it.Next() && (limit <= 0 || n < limit) {
				st := it.Statement()
				marker := ""
				if !st.Explicit {
					marker = " # inferred"
				}
				fmt.Printf("%s%s\n", st.Quad, marker)
				n++
			}
			if err := it.Err(); err != nil {
				return err
			}
			fmt.Printf("%d statements\n", n)
			return nil
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <pattern> [. <pattern>]...",
	Short: "Evaluate a chain of patterns; ?name terms are variables",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		patterns, err := parsePatterns(args)
		if err != nil {
			return err
		}
		explainOnly, _ := cmd.Flags().GetBool("explain")
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		if explainOnly {
			explain, err := store.ExplainJoin(patterns)
			if err != nil {
				return err
			}
			for _, e := range explain {
				fmt.Println(e)
			}
			return nil
		}
		return store.View(func(snap *quadstore.Snapshot) error {
			it, algorithm, err := snap.Evaluate(context.Background(), patterns, inferred)
			if err != nil {
				return err
			}
			defer it.Close() // #nosec G104
			n := 0
			for it.Next() {
				fmt.Println(it.Binding())
				n++
			}
			if err := it.Err(); err != nil {
				return err
			}
			fmt.Printf("%d rows (%s)\n", n, algorithm)
			return nil
		})
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <subject> <predicate> <object> [graph]",
	Short: "Show the index a pattern would be read from",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		terms, err := parseTerms(args, true)
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		ch := store.Explain(terms[0], terms[1], terms[2], terms[3])
		fmt.Printf("Index:      %s\n", ch.Index)
		fmt.Printf("Prefix:     %d fields\n", ch.Score)
		fmt.Printf("Duplicates: %v\n", ch.Dup)
		fmt.Printf("Filtered:   %v\n", ch.Matcher)
		if ch.Sequential {
			fmt.Printf("Sequential scan, consider adding index %s\n", ch.Recommended)
		}
		est, err := store.Cardinality(terms[0], terms[1], terms[2], terms[3])
		if err != nil {
			return err
		}
		fmt.Printf("Estimate:   %.0f statements\n", est)
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Free values no statement refers to",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		freed, err := store.GarbageCollect(context.Background())
		if err != nil {
			return fmt.Errorf("garbage collection failed: %w", err)
		}
		fmt.Printf("Freed %d values\n", freed)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that all indexes and the value dictionary agree",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		if err := store.CheckConsistency(context.Background()); err != nil {
			return err
		}
		fmt.Println("Store is consistent")
		return nil
	},
}

var contextsCmd = &cobra.Command{
	Use:   "contexts",
	Short: "List named graphs with their explicit statement counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		graphs, err := store.Contexts()
		if err != nil {
			return err
		}
		ctx := context.Background()
		for _, g := range graphs {
			n, err := store.Size(ctx, g)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d\n", g, n)
		}
		return nil
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <pattern> [. <pattern>]...",
	Short: "Run the given patterns and list indexes that would avoid full scans",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		patterns, err := parsePatterns(args)
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close() // #nosec G104

		err = store.View(func(snap *quadstore.Snapshot) error {
			it, _, err := snap.Evaluate(context.Background(), patterns, inferred)
			if err != nil {
				return err
			}
			defer it.Close() // #nosec G104
			for it.Next() {
			}
			return it.Err()
		})
		if err != nil {
			return err
		}
		for _, r := range store.Recommendations() {
			fmt.Printf("%s\t%d scans\n", r.Index, r.Count)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "dir", "d", "./quadstore_data", "Store directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&indexes, "indexes", "", "Comma separated index orders, reindexes when changed")
	rootCmd.PersistentFlags().StringVar(&engine, "engine", "", "Storage engine for a new store (badger or bolt)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&inferred, "inferred", false, "Include or write inferred statements")

	matchCmd.Flags().Int("limit", 0, "Maximum number of statements to print")
	joinCmd.Flags().Bool("explain", false, "Only show the access path of every pattern")

	rootCmd.AddCommand(statsCmd, addCmd, removeCmd, matchCmd, joinCmd, explainCmd, gcCmd, checkCmd, contextsCmd, recommendCmd)
}

func openStore() (*quadstore.Store, error) {
	cfg := quadstore.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = quadstore.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	opts := []quadstore.Option{quadstore.WithConfig(cfg), quadstore.WithLogger(logger)}
	if indexes != "" {
		opts = append(opts, quadstore.WithIndexes(indexes))
	}
	if engine != "" {
		opts = append(opts, quadstore.WithEngine(engine))
	}
	store, err := quadstore.Open(dataDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// parseTerms parses subject, predicate, object and an optional graph. With
// wildcards set, * leaves a position unbound.
func parseTerms(args []string, wildcards bool) ([4]rdf.Term, error) {
	var terms [4]rdf.Term
	for i, arg := range args {
		if wildcards && arg == "*" {
			continue
		}
		t, err := rdf.ParseTerm(arg)
		if err != nil {
			return terms, fmt.Errorf("argument %d: %w", i+1, err)
		}
		terms[i] = t
	}
	return terms, nil
}

// parsePatterns splits args on "." into patterns of three or four terms
func parsePatterns(args []string) ([]quadstore.Pattern, error) {
	var patterns []quadstore.Pattern
	var cur []string
	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		if len(cur) < 3 || len(cur) > 4 {
			return fmt.Errorf("pattern %q needs three or four terms", strings.Join(cur, " "))
		}
		var fields [4]any
		for i, arg := range cur {
			switch {
			case strings.HasPrefix(arg, "?"):
				fields[i] = quadstore.NewVariable(arg[1:])
			case arg == "*":
			default:
				t, err := rdf.ParseTerm(arg)
				if err != nil {
					return err
				}
				fields[i] = t
			}
		}
		patterns = append(patterns, quadstore.Pattern{Subject: fields[0], Predicate: fields[1], Object: fields[2], Graph: fields[3]})
		cur = cur[:0]
		return nil
	}
	for _, arg := range args {
		if arg == "." {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		cur = append(cur, arg)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return patterns, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
