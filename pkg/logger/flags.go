package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags.
type Flags struct {
	LogLevel        string
	LogFormat       string
	LogFile         string
	DebugRTSP       bool
	DebugRTP        bool
	DebugNAL        bool
	DebugBuffer     bool
	DebugTimestamp  bool
	DebugSegment    bool
	DebugController bool
	DebugRegistry   bool
	DebugAll        bool
}

// RegisterFlags registers logging flags with the given FlagSet.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info", "Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text", "Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "", "Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "", "Log output file path (shorthand)")

	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false, "Enable RTSP protocol debugging")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false, "Enable detailed RTP packet debugging")
	fs.BoolVar(&f.DebugNAL, "debug-nal", false, "Enable detailed NAL unit debugging")
	fs.BoolVar(&f.DebugBuffer, "debug-buffer", false, "Enable circular packet buffer debugging")
	fs.BoolVar(&f.DebugTimestamp, "debug-timestamp", false, "Enable timestamp normalizer debugging")
	fs.BoolVar(&f.DebugSegment, "debug-segment", false, "Enable segment writer debugging")
	fs.BoolVar(&f.DebugController, "debug-controller", false, "Enable recording controller debugging")
	fs.BoolVar(&f.DebugRegistry, "debug-registry", false, "Enable registry debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
		return cfg, nil
	}

	type toggle struct {
		on  bool
		cat DebugCategory
	}
	for _, t := range []toggle{
		{f.DebugRTSP, DebugRTSP},
		{f.DebugRTP, DebugRTP},
		{f.DebugNAL, DebugNAL},
		{f.DebugBuffer, DebugBuffer},
		{f.DebugTimestamp, DebugTimestamp},
		{f.DebugSegment, DebugSegment},
		{f.DebugController, DebugController},
		{f.DebugRegistry, DebugRegistry},
	} {
		if t.on {
			cfg.EnableCategory(t.cat)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags.
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./nvrd -config nvr.conf

  Enable DEBUG level:
    ./nvrd --log-level debug

  Log to file in JSON format:
    ./nvrd --log-format json -o nvrd.log

  Debug a single stream subsystem:
    ./nvrd --debug-rtsp
    ./nvrd --debug-segment

  Debug everything:
    ./nvrd --debug-all -o debug.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags.
func (f *Flags) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var categories []string
	if f.DebugAll {
		categories = append(categories, "all")
	} else {
		type named struct {
			name string
			on   bool
		}
		for _, n := range []named{
			{"rtsp", f.DebugRTSP}, {"rtp", f.DebugRTP}, {"nal", f.DebugNAL},
			{"buffer", f.DebugBuffer}, {"timestamp", f.DebugTimestamp},
			{"segment", f.DebugSegment}, {"controller", f.DebugController},
			{"registry", f.DebugRegistry},
		} {
			if n.on {
				categories = append(categories, n.name)
			}
		}
	}
	if len(categories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(categories, ",")))
	}

	return strings.Join(parts, " ")
}
