// Package config loads the settings of the fractal binaries.
//
// Values come from, in increasing priority: built-in defaults, an
// optional YAML file, FRACTAL_* environment variables and command-line
// flags bound into the same viper instance. Nested keys map to
// environment names with dots replaced by underscores, so log.level is
// FRACTAL_LOG_LEVEL.
package config

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gogpu/fractal"
	"github.com/gogpu/fractal/node"
	"github.com/gogpu/fractal/preset"
	"github.com/gogpu/fractal/sink"
)

// EnvPrefix is the prefix of every environment variable read.
const EnvPrefix = "FRACTAL"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

var validate = validator.New()

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Node is the fracnode configuration.
type Node struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	Threads    int           `mapstructure:"threads" validate:"min=1"`
	BunchSize  int           `mapstructure:"bunch" validate:"min=1"`
	IOTimeout  time.Duration `mapstructure:"io_timeout" validate:"min=0"`
	StatusAddr string        `mapstructure:"status_addr"`
	Log        LogConfig     `mapstructure:"log"`
}

// Listen returns the address the node listens on.
func (n *Node) Listen() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// NodeConfig returns the settings node.New needs.
func (n *Node) NodeConfig() node.Config {
	return node.Config{Threads: n.Threads, BunchSize: n.BunchSize, IOTimeout: n.IOTimeout}
}

// SetNodeDefaults registers the fracnode defaults on v.
func SetNodeDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", node.DefaultPort)
	v.SetDefault("threads", runtime.NumCPU())
	v.SetDefault("bunch", node.DefaultBunchSize)
	v.SetDefault("io_timeout", time.Duration(0))
	v.SetDefault("status_addr", "")
	setLogDefaults(v)
}

// LoadNode reads the fracnode configuration from v.
func LoadNode(v *viper.Viper) (*Node, error) {
	var cfg Node
	if err := decode(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParamsConfig describes the image when no parameter file or preset is
// given.
type ParamsConfig struct {
	Kind             string  `mapstructure:"kind" validate:"oneof=mandelbrot julia"`
	MaxIterations    int     `mapstructure:"max_iterations" validate:"min=1"`
	Adaptive         bool    `mapstructure:"adaptive"`
	EscapeRadius     float64 `mapstructure:"escape_radius" validate:"gt=0"`
	Zoom             float64 `mapstructure:"zoom" validate:"gt=0"`
	CenterX          float64 `mapstructure:"center_x"`
	CenterY          float64 `mapstructure:"center_y"`
	JuliaX           float64 `mapstructure:"julia_x"`
	JuliaY           float64 `mapstructure:"julia_y"`
	GradientExponent float64 `mapstructure:"gradient_exponent" validate:"gt=0"`
	Interior         string  `mapstructure:"interior"`
}

// Params builds a parameter set for a width×height image.
func (c *ParamsConfig) Params(width, height int) (*fractal.Params, error) {
	kind, err := fractal.ParseKind(c.Kind)
	if err != nil {
		return nil, err
	}
	p := fractal.NewParams()
	p.Kind = kind
	p.MaxIterations = c.MaxIterations
	p.EscapeRadius = c.EscapeRadius
	p.Zoom = c.Zoom
	p.Center = complex(c.CenterX, c.CenterY)
	p.JuliaConstant = complex(c.JuliaX, c.JuliaY)
	p.GradientExponent = c.GradientExponent
	if c.Interior != "" {
		if p.Interior, err = fractal.ParseHexColor(c.Interior); err != nil {
			return nil, err
		}
	}
	p.Width, p.Height = width, height
	p.SetAdaptive(c.Adaptive)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Render is the fracrender configuration.
type Render struct {
	// Workers lists node addresses. An empty list renders locally.
	Workers     []string      `mapstructure:"workers" validate:"dive,required"`
	BunchSize   int           `mapstructure:"bunch" validate:"min=0"`
	Threads     int           `mapstructure:"threads" validate:"min=1"`
	IOTimeout   time.Duration `mapstructure:"io_timeout" validate:"min=0"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"min=0"`

	Width         int    `mapstructure:"width" validate:"min=1"`
	Height        int    `mapstructure:"height" validate:"min=1"`
	Supersampling int    `mapstructure:"supersampling" validate:"oneof=1 2 4 8 16"`
	Output        string `mapstructure:"output"`
	Compression   string `mapstructure:"compression" validate:"oneof=none deflate"`
	Stream        bool   `mapstructure:"stream"`

	ParamsFile string       `mapstructure:"params_file"`
	Preset     string       `mapstructure:"preset"`
	SavePreset string       `mapstructure:"save_preset"`
	Params     ParamsConfig `mapstructure:"params"`

	Redis preset.Options `mapstructure:"redis"`
	S3    sink.S3Config  `mapstructure:"s3"`
	Log   LogConfig      `mapstructure:"log"`
}

// Distributed reports whether the render goes to remote nodes.
func (r *Render) Distributed() bool { return len(r.Workers) > 0 }

// SetRenderDefaults registers the fracrender defaults on v.
func SetRenderDefaults(v *viper.Viper) {
	d := fractal.NewParams()

	v.SetDefault("workers", []string{})
	v.SetDefault("bunch", 0)
	v.SetDefault("threads", runtime.NumCPU())
	v.SetDefault("io_timeout", time.Duration(0))
	v.SetDefault("dial_timeout", 5*time.Second)

	v.SetDefault("width", fractal.DefaultWidth)
	v.SetDefault("height", fractal.DefaultHeight)
	v.SetDefault("supersampling", 1)
	v.SetDefault("output", "fractal.tiff")
	v.SetDefault("compression", string(sink.None))
	v.SetDefault("stream", false)

	v.SetDefault("params_file", "")
	v.SetDefault("preset", "")
	v.SetDefault("save_preset", "")
	v.SetDefault("params.kind", d.Kind.String())
	v.SetDefault("params.max_iterations", d.MaxIterations)
	v.SetDefault("params.adaptive", d.Adaptive)
	v.SetDefault("params.escape_radius", d.EscapeRadius)
	v.SetDefault("params.zoom", d.Zoom)
	v.SetDefault("params.center_x", real(d.Center))
	v.SetDefault("params.center_y", imag(d.Center))
	v.SetDefault("params.julia_x", real(d.JuliaConstant))
	v.SetDefault("params.julia_y", imag(d.JuliaConstant))
	v.SetDefault("params.gradient_exponent", d.GradientExponent)
	v.SetDefault("params.interior", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", preset.DefaultPrefix)

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.use_path_style", false)

	setLogDefaults(v)
}

// LoadRender reads the fracrender configuration from v.
func LoadRender(v *viper.Viper) (*Render, error) {
	var cfg Render
	if err := decode(v, &cfg); err != nil {
		return nil, err
	}
	if cfg.Stream && !cfg.Distributed() {
		return nil, fmt.Errorf("%w: streaming output needs at least one worker", ErrInvalid)
	}
	if cfg.Output == "" && cfg.SavePreset == "" {
		return nil, fmt.Errorf("%w: nothing to do without an output or a preset to save", ErrInvalid)
	}
	return &cfg, nil
}

func setLogDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance reading FRACTAL_* variables and, if path
// is not empty, the YAML file at path. Without a path it looks for an
// optional fractal.yaml in the working directory.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("fractal")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return v, nil
}

// BindFlags binds flags of fs to viper keys. keys maps a flag name to its
// key; flags not listed bind to their own name with dashes turned into
// underscores. A flag only overrides lower layers when it is set.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		key, ok := keys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		err = v.BindPFlag(key, f)
	})
	if err != nil {
		return fmt.Errorf("config: bind flags: %w", err)
	}
	return nil
}

func decode(v *viper.Viper, out any) error {
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s fails %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
