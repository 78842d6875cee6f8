// Package main provides the pdf2deck CLI entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/spherical/pdf2deck/internal/app"
	"github.com/spherical/pdf2deck/internal/config"
	"github.com/spherical/pdf2deck/internal/deck"
	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/pagestore"
	"github.com/spherical/pdf2deck/internal/pdf"
	"github.com/spherical/pdf2deck/internal/pipeline"
)

const version = "1.0.0"

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool
	noColor    bool

	// Configuration and logger
	cfg    *config.Config
	logger *domain.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "pdf2deck",
	Short: "Convert PDF documents into editable presentations",
	Long: `pdf2deck turns every page of a PDF into an editable slide.

Pages are rasterized, read by a vision model for their title, bullets and
visuals, optionally cleaned of text, and assembled into a .pptx file.

Use "convert" for the whole run, or "analyze" followed by "assemble" to
review and edit the extracted content in between.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if noColor {
			color.NoColor = true
		}

		// progress bars own the terminal unless asked for more
		level := "warn"
		if verbose {
			level = "debug"
		}
		logFormat := cfg.Log.Format
		if outputJSON {
			logFormat = "json"
		}
		logger = domain.NewLogger(domain.LogConfig{
			Level:       level,
			Format:      logFormat,
			ServiceName: "pdf2deck",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newConvertCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newAssembleCmd())
	rootCmd.AddCommand(newPreviewCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type analyzeFlags struct {
	pages           string
	noClean         bool
	removeWatermark bool
}

func (f *analyzeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.pages, "pages", "p", "", `pages to convert, e.g. "1-3,7" (default: all)`)
	cmd.Flags().BoolVar(&f.noClean, "no-clean", false, "keep page text in slide images")
	cmd.Flags().BoolVar(&f.removeWatermark, "remove-watermark", false, "also mask the bottom-right watermark region")
}

// newConvertCmd creates the convert subcommand.
func newConvertCmd() *cobra.Command {
	var (
		flags  analyzeFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "convert <file.pdf>",
		Short: "Convert a PDF into a .pptx presentation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ui := NewUI(outputJSON, noColor)
			start := time.Now()

			a, result, err := runAnalysis(ctx, ui, args[0], flags)
			if err != nil {
				ui.Close()
				return err
			}
			defer closeApp(ctx, a)

			ui.Step("Assembling %d slides", len(result.Analyses))
			out, err := a.Service.Assemble(ctx, pipeline.AssembleRequest{JobID: result.JobID})
			ui.Close()
			if err != nil {
				return fmt.Errorf("assemble: %w", err)
			}

			path := output
			if path == "" {
				path = filepath.Join(filepath.Dir(args[0]), out.Filename)
			}
			if err := os.WriteFile(path, out.Bytes, 0o644); err != nil {
				return fmt.Errorf("write presentation: %w", err)
			}

			if outputJSON {
				return printJSON(map[string]interface{}{
					"job_id":       result.JobID,
					"output":       path,
					"slides":       out.Slides,
					"placeholders": out.Placeholders,
					"warnings":     result.Warnings,
					"duration_ms":  time.Since(start).Milliseconds(),
				})
			}
			reportDeck(ui, path, out, time.Since(start))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path (default: <input-name>-deck.pptx)")
	return cmd
}

// newAnalyzeCmd creates the analyze subcommand.
func newAnalyzeCmd() *cobra.Command {
	var (
		flags  analyzeFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "analyze <file.pdf>",
		Short: "Extract editable slide content without building the deck",
		Long: `Analyze runs the page analysis and writes the result as JSON.

The file holds each page's title, bullets, alignment and visuals together
with the cleaned page images. Edit it freely, then run "assemble".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ui := NewUI(outputJSON, noColor)
			a, result, err := runAnalysis(ctx, ui, args[0], flags)
			ui.Close()
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			path := output
			if path == "" {
				base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				path = filepath.Join(filepath.Dir(args[0]), base+"-analysis.json")
			}
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("encode analysis: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write analysis: %w", err)
			}

			if outputJSON {
				return printJSON(map[string]interface{}{
					"job_id":   result.JobID,
					"output":   path,
					"pages":    len(result.Analyses),
					"warnings": result.Warnings,
				})
			}
			ui.Success("Analysis written to %s", path)
			ui.KeyValue("Pages", len(result.Analyses))
			ui.KeyValue("Job", result.JobID)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path (default: <input-name>-analysis.json)")
	return cmd
}

// newAssembleCmd creates the assemble subcommand.
func newAssembleCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "assemble <analysis.json>",
		Short: "Build a .pptx from a (possibly edited) analysis file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read analysis: %w", err)
			}
			var analysis pipeline.AnalyzeResult
			if err := json.Unmarshal(data, &analysis); err != nil {
				return fmt.Errorf("parse analysis: %w", err)
			}

			a, err := app.NewOffline(cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()
			start := time.Now()

			out, err := a.Service.Assemble(ctx, pipeline.AssembleRequest{
				Filename: analysis.Filename,
				Analyses: analysis.Analyses,
				Images:   analysis.CleanImages,
			})
			if err != nil {
				return fmt.Errorf("assemble: %w", err)
			}

			path := output
			if path == "" {
				path = filepath.Join(filepath.Dir(args[0]), out.Filename)
			}
			if err := os.WriteFile(path, out.Bytes, 0o644); err != nil {
				return fmt.Errorf("write presentation: %w", err)
			}

			if outputJSON {
				return printJSON(map[string]interface{}{
					"output":       path,
					"slides":       out.Slides,
					"placeholders": out.Placeholders,
				})
			}
			reportDeck(ui, path, out, time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path (default: <source-name>-deck.pptx)")
	return cmd
}

// newPreviewCmd creates the preview subcommand.
func newPreviewCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "preview <file.pdf>",
		Short: "Write a thumbnail of every page to pick pages from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := pdf.NewValidator(cfg.Raster.MaxFileSize).ValidatePDFPath(args[0]); err != nil {
				return err
			}
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}

			a, err := app.NewOffline(cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()
			spin := ui.Spinner("Rendering thumbnails")
			previews, err := a.Service.Preview(ctx, src)
			spin.Stop()
			if err != nil {
				return fmt.Errorf("preview: %w", err)
			}

			dir := outDir
			if dir == "" {
				base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				dir = filepath.Join(filepath.Dir(args[0]), base+"-previews")
			}
			files, err := writePreviews(dir, previews)
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(map[string]interface{}{
					"output": dir,
					"pages":  len(previews),
					"files":  files,
				})
			}
			ui.Success("Wrote %d thumbnails to %s", len(files), dir)
			for _, p := range previews {
				if p.Error != "" {
					ui.Warning("page %d: %s", p.Page+1, p.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "output", "o", "", "output directory (default: <input-name>-previews)")
	return cmd
}

// writePreviews writes each thumbnail as page-<n>.<ext> and returns the
// written paths. Pages without a thumbnail are skipped.
func writePreviews(dir string, previews []pipeline.PagePreview) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create preview directory: %w", err)
	}
	codec := pagestore.DefaultBlobCodec()
	files := make([]string, 0, len(previews))
	for _, p := range previews {
		if p.Blob == "" {
			continue
		}
		img, err := codec.Decode(p.Blob)
		if err != nil {
			return files, fmt.Errorf("page %d: %w", p.Page+1, err)
		}
		ext := "jpg"
		if img.MIME == "image/png" {
			ext = "png"
		}
		path := filepath.Join(dir, fmt.Sprintf("page-%d.%s", p.Page+1, ext))
		if err := os.WriteFile(path, img.Data, 0o644); err != nil {
			return files, fmt.Errorf("write thumbnail: %w", err)
		}
		files = append(files, path)
	}
	return files, nil
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				return printJSON(map[string]string{"version": version})
			}
			fmt.Printf("pdf2deck version %s\n", version)
			return nil
		},
	}
}

// runAnalysis builds the service, starts a job for path and follows its
// progress until the analysis is editable.
func runAnalysis(ctx context.Context, ui *UI, path string, flags analyzeFlags) (*app.App, *pipeline.AnalyzeResult, error) {
	pages, err := pipeline.ParsePageRanges(flags.pages, cfg.Raster.MaxPages)
	if err != nil {
		return nil, nil, err
	}
	if err := pdf.NewValidator(cfg.Raster.MaxFileSize).ValidatePDFPath(path); err != nil {
		return nil, nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read source: %w", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	a.Service.Start(ctx, cfg.Store.ReapInterval)

	spin := ui.Spinner("Reading document structure")
	job, updates, err := a.Service.Analyze(ctx, pipeline.AnalyzeRequest{
		Filename: filepath.Base(path),
		Source:   src,
		Pages:    pages,
		Options: pipeline.Options{
			Clean:           !flags.noClean && cfg.LLM.InpaintEnabled,
			RemoveWatermark: flags.removeWatermark,
		},
	})
	spin.Stop()
	if err != nil {
		closeApp(ctx, a)
		return nil, nil, err
	}

	last := ui.Track(updates)
	result, err := a.Service.Wait(ctx, job.ID())
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("interrupted after %d of %d pages", last.Completed, last.Total)
		}
		closeApp(ctx, a)
		return nil, nil, err
	}

	ui.Success("Analyzed %d pages", len(result.Analyses))
	for _, w := range result.Warnings {
		ui.Warning("%s", w)
	}
	return a, result, nil
}

// closeApp waits for background work unless the run was interrupted.
func closeApp(ctx context.Context, a *app.App) {
	if ctx.Err() != nil {
		return
	}
	if err := a.Close(); err != nil {
		logger.Warn("shutdown: %v", err)
	}
}

func reportDeck(ui *UI, path string, out deck.Result, elapsed time.Duration) {
	ui.Success("Presentation written to %s", path)
	ui.KeyValue("Slides", out.Slides)
	if out.Placeholders > 0 {
		ui.KeyValue("Placeholders", out.Placeholders)
	}
	ui.KeyValue("Size", FormatBytes(int64(len(out.Bytes))))
	ui.KeyValue("Duration", FormatDuration(elapsed))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
