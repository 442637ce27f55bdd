package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	internal "github.com/abellgithub/entwine/entwine"
	"github.com/abellgithub/entwine/entwine/types"
)

// Config stores all configuration of a build.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Output       string              `mapstructure:"output"`
	Tmp          string              `mapstructure:"tmp"`
	Input        []string            `mapstructure:"input"`
	TotalThreads int                 `mapstructure:"totalThreads"`
	Compress     bool                `mapstructure:"compress"`
	TrustHeaders bool                `mapstructure:"trustHeaders"`
	Absolute     bool                `mapstructure:"absolute"`
	Bounds       []float64           `mapstructure:"bounds"`
	Schema       []DimConfig         `mapstructure:"schema"`
	Structure    StructureConfig     `mapstructure:"structure"`
	Reprojection *ReprojectionConfig `mapstructure:"reprojection"`
}

// DimConfig declares one payload dimension.
type DimConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	Size int    `mapstructure:"size"`
}

// StructureConfig declares the tree shape.
type StructureConfig struct {
	TotalDepth         uint64        `mapstructure:"totalDepth"`
	BaseDepth          uint64        `mapstructure:"baseDepth"`
	ColdDepth          uint64        `mapstructure:"coldDepth"`
	NominalChunkPoints uint64        `mapstructure:"nominalChunkPoints"`
	Is3D               bool          `mapstructure:"is3d"`
	Subset             *SubsetConfig `mapstructure:"subset"`
}

// SubsetConfig marks a partial build, id of `of`.
type SubsetConfig struct {
	ID uint64 `mapstructure:"id"`
	Of uint64 `mapstructure:"of"`
}

// ReprojectionConfig declares the coordinate transform.
type ReprojectionConfig struct {
	In     string `mapstructure:"in"`
	Out    string `mapstructure:"out"`
	Hammer bool   `mapstructure:"hammer"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(internal.DefaultAppName)
		v.SetConfigType("yaml")
	}

	v.SetDefault("tmp", internal.DefaultTmpPath)
	v.SetDefault("totalThreads", runtime.NumCPU())
	v.SetDefault("trustHeaders", true)
	v.SetDefault("structure.totalDepth", 10)
	v.SetDefault("structure.baseDepth", 4)
	v.SetDefault("structure.coldDepth", 10)
	v.SetDefault("structure.nominalChunkPoints", internal.DefaultNominalChunkPoints)
	v.SetDefault("structure.is3d", true)

	v.SetEnvPrefix(strings.ToUpper(internal.DefaultAppName))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}

// TypesBounds converts the flat [minx miny minz maxx maxy maxz] form, or
// the 2D [minx miny maxx maxy] form, into Bounds. Nil when unset.
func (c *Config) TypesBounds() (*types.Bounds, error) {
	switch len(c.Bounds) {
	case 0:
		return nil, nil
	case 4:
		b := types.NewBounds(
			types.Point{X: c.Bounds[0], Y: c.Bounds[1]},
			types.Point{X: c.Bounds[2], Y: c.Bounds[3]},
			false)
		return &b, nil
	case 6:
		b := types.NewBounds(
			types.Point{X: c.Bounds[0], Y: c.Bounds[1], Z: c.Bounds[2]},
			types.Point{X: c.Bounds[3], Y: c.Bounds[4], Z: c.Bounds[5]},
			c.Structure.Is3D)
		return &b, nil
	default:
		return nil, fmt.Errorf("bounds needs 4 or 6 values, got %d", len(c.Bounds))
	}
}

// TypesSchema converts the declared dimension list.
func (c *Config) TypesSchema() *types.Schema {
	dims := make([]types.DimInfo, 0, len(c.Schema))
	for _, d := range c.Schema {
		dims = append(dims, types.DimInfo{
			Name: d.Name,
			Kind: types.DimKind(d.Type),
			Size: d.Size,
		})
	}
	return types.NewSchema(dims)
}

// TypesStructure validates and converts the declared tree shape.
func (c *Config) TypesStructure() (*types.Structure, error) {
	var subset *types.Subset
	if c.Structure.Subset != nil {
		subset = &types.Subset{
			ID: c.Structure.Subset.ID,
			Of: c.Structure.Subset.Of,
		}
	}
	nominal := c.Structure.NominalChunkPoints
	if nominal == 0 {
		nominal = internal.DefaultNominalChunkPoints
	}
	return types.NewStructure(
		c.Structure.TotalDepth,
		c.Structure.BaseDepth,
		c.Structure.ColdDepth,
		nominal,
		c.Structure.Is3D,
		subset)
}

// TypesReprojection converts the transform declaration. Nil when unset.
func (c *Config) TypesReprojection() *types.Reprojection {
	if c.Reprojection == nil || c.Reprojection.Out == "" {
		return nil
	}
	return &types.Reprojection{
		In:     c.Reprojection.In,
		Out:    c.Reprojection.Out,
		Hammer: c.Reprojection.Hammer,
	}
}
