package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel reads IPADAPTER_DEBUG: unset or false is INFO, 1/true is DEBUG,
// 2 is TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("IPADAPTER_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// DType is the precision adapters and encoders are moved to.
	DType = StringWithDefault("IPADAPTER_DTYPE", "float32")
	// Device is the placement tag weights are moved to.
	Device = StringWithDefault("IPADAPTER_DEVICE", "cpu")
	// Scale is the default image prompt scale.
	Scale = Float("IPADAPTER_SCALE", 1.0)
	// ImageSize is the side preprocessed images are resized to.
	ImageSize = Uint("IPADAPTER_IMAGE_SIZE", 224)
	// NumThreads caps tensor kernel parallelism; 0 uses GOMAXPROCS.
	NumThreads = Uint("IPADAPTER_NUM_THREADS", 0)
	// FineGrained enables per-patch image features by default.
	FineGrained = Bool("IPADAPTER_FINE_GRAINED")
)

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

func StringWithDefault(key, defaultValue string) func() string {
	return func() string {
		if s := Var(key); s != "" {
			return s
		}
		return defaultValue
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

func Float(key string, defaultValue float64) func() float64 {
	return func() float64 {
		if s := Var(key); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err != nil || f < 0 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return f
			}
		}
		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"IPADAPTER_DEBUG":        {"IPADAPTER_DEBUG", LogLevel(), "Show additional debug information (e.g. IPADAPTER_DEBUG=1)"},
		"IPADAPTER_DTYPE":        {"IPADAPTER_DTYPE", DType(), "Precision of adapter weights (default float32)"},
		"IPADAPTER_DEVICE":       {"IPADAPTER_DEVICE", Device(), "Device tag for adapter weights (default cpu)"},
		"IPADAPTER_SCALE":        {"IPADAPTER_SCALE", Scale(), "Image prompt scale (default 1.0)"},
		"IPADAPTER_IMAGE_SIZE":   {"IPADAPTER_IMAGE_SIZE", ImageSize(), "Side length images are resized to (default 224)"},
		"IPADAPTER_NUM_THREADS":  {"IPADAPTER_NUM_THREADS", NumThreads(), "Maximum kernel goroutines (default GOMAXPROCS)"},
		"IPADAPTER_FINE_GRAINED": {"IPADAPTER_FINE_GRAINED", FineGrained(), "Use per-patch image features"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
