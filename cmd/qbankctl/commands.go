package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/exporter"
	"github.com/p-n-ai/pai-qbank/internal/importer"
	"github.com/p-n-ai/pai-qbank/internal/platform/config"
	"github.com/p-n-ai/pai-qbank/internal/taxonomy"
)

// storeOpener returns a store and a func releasing it.
type storeOpener func(ctx context.Context, migrate bool) (exercise.Store, func(), error)

type app struct {
	cfg       *config.Config
	openStore storeOpener
	out       io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "qbankctl",
		Short:        "Manage the exercise bank",
		SilenceUsage: true,
	}
	root.SetOut(a.out)
	root.AddCommand(
		newMigrateCmd(a),
		newImportCmd(a),
		newExportCmd(a),
		newSeedCmd(a),
	)
	return root
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, release, err := a.openStore(cmd.Context(), true)
			if err != nil {
				return err
			}
			release()
			fmt.Fprintln(a.out, "migrations applied")
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	var (
		mode      string
		chunkSize int
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import exercises from a JSON file (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := importer.ParsePolicy(mode)
			if err != nil {
				return err
			}

			in := io.Reader(os.Stdin)
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			store, release, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer release()

			rep, importErr := importer.New(store, nil, chunkSize).Import(cmd.Context(), in, policy)
			if rep != nil {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			}
			return importErr
		},
	}
	cmd.Flags().StringVar(&mode, "mode", a.cfg.Import.Policy, "failure policy: continue or abort")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", a.cfg.Import.ChunkSize, "records committed per transaction")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		f      exercise.Filter
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exercises matching the filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ft, err := exporter.ParseFormat(format)
			if err != nil {
				return err
			}

			store, release, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer release()

			s := exporter.New(store, a.cfg.Export.ChunkSize)
			if err := s.Check(cmd.Context(), f); err != nil {
				return err
			}

			w := a.out
			if output != "-" {
				if output == "" {
					output = exporter.Filename(f, string(ft), time.Now())
				}
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}

			n, err := exporter.Write(w, ft, s.Records(cmd.Context(), f))
			if err != nil {
				return fmt.Errorf("export after %d records: %w", n, err)
			}
			if output != "-" {
				fmt.Fprintf(a.out, "exported %d exercises to %s\n", n, output)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&f.CategoryID, "category-id", 0, "filter by category id")
	flags.Int64Var(&f.MajorID, "major-id", 0, "filter by major id")
	flags.Int64Var(&f.ChapterID, "chapter-id", 0, "filter by chapter id")
	flags.Int64Var(&f.ExamGroupID, "examgroup-id", 0, "filter by exam group id")
	flags.Int64Var(&f.SchoolID, "school-id", 0, "filter by school id")
	flags.Int64Var(&f.ExamID, "exam-id", 0, "filter by exam id")
	flags.StringVar(&format, "format", "json", "output format: json or xlsx")
	flags.StringVarP(&output, "output", "o", "", "output file (default generated name, - for stdout)")
	return cmd
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <dir>",
		Short: "Seed taxonomy from a directory of YAML catalogs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalogs, err := taxonomy.Load(args[0])
			if err != nil {
				return err
			}
			if len(catalogs) == 0 {
				return errors.New("no taxonomy catalogs found")
			}

			store, release, err := a.openStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer release()

			created, err := taxonomy.Seed(cmd.Context(), store, catalogs)
			if err != nil {
				return err
			}
			total := 0
			for kind, n := range created {
				fmt.Fprintf(a.out, "%-10s %d\n", kind, n)
				total += n
			}
			fmt.Fprintf(a.out, "seeded %d catalogs, created %d entries\n", len(catalogs), total)
			return nil
		},
	}
}
