package config

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// WarmManifest lists the keys to populate at startup, one target per resource request.
//
//	targets:
//	  - resource: categoryProducts
//	    params: {categoryId: 12, limit: 100}
type WarmManifest struct {
	Targets []WarmTarget `koanf:"targets" json:"targets"`
}

// WarmTarget names a resource and the request parameters its key is rendered from.
type WarmTarget struct {
	Resource string         `koanf:"resource" json:"resource"`
	Params   map[string]any `koanf:"params" json:"params,omitempty"`
}

// LoadManifest reads a yaml, json or toml manifest and rejects unknown resources.
func LoadManifest(ctx context.Context, path string) (WarmManifest, error) {
	select {
	case <-ctx.Done():
		return WarmManifest{}, ctx.Err()
	default:
	}
	info, err := os.Stat(path)
	if err != nil {
		return WarmManifest{}, fmt.Errorf("config: warm manifest %s: %w", path, err)
	}
	if info.IsDir() {
		return WarmManifest{}, fmt.Errorf("config: warm manifest %s: expected a file, found directory", path)
	}
	parser, err := parserFor(path)
	if err != nil {
		return WarmManifest{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return WarmManifest{}, fmt.Errorf("config: load warm manifest %s: %w", path, err)
	}
	var manifest WarmManifest
	if err := k.Unmarshal("", &manifest); err != nil {
		return WarmManifest{}, fmt.Errorf("config: decode warm manifest %s: %w", path, err)
	}
	for idx, target := range manifest.Targets {
		if !slices.Contains(ResourceNames, target.Resource) {
			return WarmManifest{}, fmt.Errorf("config: warm manifest %s: targets[%d]: unknown resource %q", path, idx, target.Resource)
		}
		if target.Params == nil {
			manifest.Targets[idx].Params = map[string]any{}
		}
	}
	return manifest, nil
}
