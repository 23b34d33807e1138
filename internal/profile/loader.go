package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/OpenStageCore/internal/types"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Loader struct {
	validator *Validator
	logger    *zap.Logger
}

func NewLoader(logger *zap.Logger) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	return &Loader{validator: validator, logger: logger}, nil
}

// Load reads a YAML or JSON profile. Keys the file leaves out keep the
// stock Squid values.
func (l *Loader) Load(path string) (*types.StageProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	p, err := l.Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.logger.Info("Stage profile loaded",
		zap.String("path", path),
		zap.String("model", p.Controller.Model),
		zap.String("serial_number", p.Controller.SerialNumber))
	return p, nil
}

// LoadOrDefault falls back to the stock profile when path does not exist.
func (l *Loader) LoadOrDefault(path string) (*types.StageProfile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		l.logger.Warn("Stage profile not found, using defaults", zap.String("path", path))
		p := types.DefaultStageProfile()
		return &p, nil
	}
	return l.Load(path)
}

// Parse decodes a profile document. ext selects the format; anything but
// .json is read as YAML.
func (l *Loader) Parse(data []byte, ext string) (*types.StageProfile, error) {
	jsonData := data
	if !strings.EqualFold(ext, ".json") {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		var err error
		if jsonData, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("profile is not representable as JSON: %w", err)
		}
	}

	if err := l.validator.ValidateProfile(jsonData); err != nil {
		return nil, err
	}

	p := types.DefaultStageProfile()
	if err := json.Unmarshal(jsonData, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	if err := l.validator.ValidateStageProfile(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
