package main

import (
	"fmt"
	"image"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/capturemgr/internal/capture"
	"github.com/breeze-rmm/capturemgr/internal/config"
	"github.com/breeze-rmm/capturemgr/internal/sources"
)

var (
	version = "0.1.0"
	cfgFile string
	output  string
)

var rootCmd = &cobra.Command{
	Use:   "breeze-capture",
	Short: "Breeze multi-source capture compositor",
	Long:  `Breeze Capture - composes displays, images and other sources into one frame stream`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start capturing the configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runCapture(cmd.Context(), cfg)
	},
}

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Resolve and print the composite geometry of the configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		descs, _, err := cfg.Descriptors()
		if err != nil {
			return err
		}
		layout, err := capture.ResolveLayout(sources.NewRegistry(), descs)
		if err != nil {
			return err
		}
		return printYAML(layoutDocument(layout))
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the source kinds this build can capture",
	Run: func(cmd *cobra.Command, args []string) {
		for _, e := range sources.NewRegistry().Entries() {
			if e.API == capture.APIDefault {
				fmt.Println(e.Kind)
				continue
			}
			fmt.Printf("%s (api: %s)\n", e.Kind, e.API)
		}
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config with one virtual display",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		cfg.Sources = []config.SourceConfig{{Kind: string(capture.KindDisplay), Locator: "1280x720?fps=30"}}
		if err := config.SaveTo(cfg, output); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Println("Config written.")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Capture v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze/capture.yaml)")
	initCmd.Flags().StringVarP(&output, "output", "o", "capture.yaml", "where to write the config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(layoutCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config. Warnings are printed; fatals
// are joined into the returned error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "config warning: %v\n", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config error: %v\n", f)
		}
		return nil, fmt.Errorf("config has %d error(s)", len(result.Fatals))
	}
	return cfg, nil
}

type rectDoc struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func toRectDoc(r image.Rectangle) rectDoc {
	return rectDoc{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

type placedDoc struct {
	Index     int     `yaml:"index"`
	Source    string  `yaml:"source"`
	Desktop   rectDoc `yaml:"desktop"`
	Composite rectDoc `yaml:"composite"`
	Captured  rectDoc `yaml:"captured"`
}

type layoutDoc struct {
	Bounds  rectDoc     `yaml:"bounds"`
	Sources []placedDoc `yaml:"sources"`
}

func layoutDocument(l capture.Layout) layoutDoc {
	doc := layoutDoc{Bounds: toRectDoc(l.Bounds)}
	for _, p := range l.Sources {
		doc.Sources = append(doc.Sources, placedDoc{
			Index:     p.Index,
			Source:    p.Descriptor.String(),
			Desktop:   toRectDoc(p.FrameRect),
			Composite: toRectDoc(p.CompositeRect()),
			Captured:  toRectDoc(p.SourceRect),
		})
	}
	return doc
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
