package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingStepID is returned for a step without an ID.
	ErrMissingStepID = errors.New("missing step id")

	// ErrInvalidStepType is returned for an unrecognized step type.
	ErrInvalidStepType = errors.New("invalid step type")

	// ErrMissingConfig is returned for a step type that requires a
	// config payload but has none.
	ErrMissingConfig = errors.New("missing step config")

	// ErrIncorrectConfigType indicates a step's config payload does not
	// match its step type.
	ErrIncorrectConfigType = errors.New("incorrect config type for step")
)

// StepType identifies the operation a step performs.
type StepType string

const (
	TypeMountImage          StepType = "MountImage"
	TypeUnmountImage        StepType = "UnmountImage"
	TypeAddComponents       StepType = "AddComponents"
	TypeRemoveComponents    StepType = "RemoveComponents"
	TypeInstallUpdates      StepType = "InstallUpdates"
	TypeAddDrivers          StepType = "AddDrivers"
	TypeApplyRegistryTweaks StepType = "ApplyRegistryTweaks"
	TypeApplyDebloat        StepType = "ApplyDebloat"
	TypeCleanup             StepType = "Cleanup"
	TypeCreateISO           StepType = "CreateISO"
	TypeCreateBootableMedia StepType = "CreateBootableMedia"
	TypeGenerateAnswerFile  StepType = "GenerateAnswerFile"
	TypeCustomScript        StepType = "CustomScript"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	_, ok := configFactories[t]
	return ok
}

// RequiresMount reports whether steps of this type operate on a
// mounted image (and so need a mount lease to be held).
func (t StepType) RequiresMount() bool {
	switch t {
	case TypeAddComponents, TypeRemoveComponents, TypeInstallUpdates,
		TypeAddDrivers, TypeApplyRegistryTweaks, TypeApplyDebloat,
		TypeCleanup, TypeCustomScript, TypeMountImage:
		return true
	}
	return false
}

// StepConfig is the typed configuration payload of a step. Exactly one
// concrete config type exists per step type; untyped JSON only appears
// at the transport boundary where it is decoded into one of these.
type StepConfig interface {
	// StepType returns the step type this config belongs to.
	StepType() StepType
}

type MountImageConfig struct {
	// Index of the image within the file (WIM files hold several).
	// Zero means index 1.
	Index int `json:"index,omitempty"`
}

type UnmountImageConfig struct {
	// Commit writes changes back to the image on unmount; otherwise
	// changes are discarded.
	Commit bool `json:"commit"`
}

type AddComponentsConfig struct {
	Components  []string `json:"components"`             // capability or package names
	PackagePath string   `json:"package_path,omitempty"` // optional local package source
}

type RemoveComponentsConfig struct {
	Components []string `json:"components"`
}

type InstallUpdatesConfig struct {
	UpdatePaths []string `json:"update_paths"` // .msu/.cab files
}

type AddDriversConfig struct {
	DriverPaths   []string `json:"driver_paths"`
	Recurse       bool     `json:"recurse,omitempty"`
	ForceUnsigned bool     `json:"force_unsigned,omitempty"`
}

// RegistryTweak is one value written into an offline registry hive.
type RegistryTweak struct {
	Hive  string `json:"hive"` // e.g. "SOFTWARE", "SYSTEM", "DEFAULT"
	Key   string `json:"key"`
	Name  string `json:"name"`
	Type  string `json:"type"` // REG_SZ, REG_DWORD, ...
	Value string `json:"value"`
}

type ApplyRegistryTweaksConfig struct {
	Tweaks []RegistryTweak `json:"tweaks"`
}

type ApplyDebloatConfig struct {
	// Provisioned appx package names to strip from the image.
	RemovePackages []string `json:"remove_packages"`
}

type CleanupConfig struct {
	ResetBase bool `json:"reset_base,omitempty"` // also squash superseded components
}

type CreateISOConfig struct {
	SourceDir   string `json:"source_dir"`
	OutputPath  string `json:"output_path"`
	VolumeLabel string `json:"volume_label,omitempty"`
}

type CreateBootableMediaConfig struct {
	SourceDir string `json:"source_dir"`
	Device    string `json:"device"` // target device or VHD path
}

type GenerateAnswerFileConfig struct {
	OutputPath   string            `json:"output_path"`
	ComputerName string            `json:"computer_name,omitempty"`
	ProductKey   string            `json:"product_key,omitempty"`
	TimeZone     string            `json:"time_zone,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
}

type CustomScriptConfig struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

func (MountImageConfig) StepType() StepType          { return TypeMountImage }
func (UnmountImageConfig) StepType() StepType        { return TypeUnmountImage }
func (AddComponentsConfig) StepType() StepType       { return TypeAddComponents }
func (RemoveComponentsConfig) StepType() StepType    { return TypeRemoveComponents }
func (InstallUpdatesConfig) StepType() StepType      { return TypeInstallUpdates }
func (AddDriversConfig) StepType() StepType          { return TypeAddDrivers }
func (ApplyRegistryTweaksConfig) StepType() StepType { return TypeApplyRegistryTweaks }
func (ApplyDebloatConfig) StepType() StepType        { return TypeApplyDebloat }
func (CleanupConfig) StepType() StepType             { return TypeCleanup }
func (CreateISOConfig) StepType() StepType           { return TypeCreateISO }
func (CreateBootableMediaConfig) StepType() StepType { return TypeCreateBootableMedia }
func (GenerateAnswerFileConfig) StepType() StepType  { return TypeGenerateAnswerFile }
func (CustomScriptConfig) StepType() StepType        { return TypeCustomScript }

// configFactories instantiates the config type for a step type for
// unmarshalling. Types with a nil factory take no config.
var configFactories = map[StepType]func() StepConfig{
	TypeMountImage:          func() StepConfig { return new(MountImageConfig) },
	TypeUnmountImage:        func() StepConfig { return new(UnmountImageConfig) },
	TypeAddComponents:       func() StepConfig { return new(AddComponentsConfig) },
	TypeRemoveComponents:    func() StepConfig { return new(RemoveComponentsConfig) },
	TypeInstallUpdates:      func() StepConfig { return new(InstallUpdatesConfig) },
	TypeAddDrivers:          func() StepConfig { return new(AddDriversConfig) },
	TypeApplyRegistryTweaks: func() StepConfig { return new(ApplyRegistryTweaksConfig) },
	TypeApplyDebloat:        func() StepConfig { return new(ApplyDebloatConfig) },
	TypeCleanup:             func() StepConfig { return new(CleanupConfig) },
	TypeCreateISO:           func() StepConfig { return new(CreateISOConfig) },
	TypeCreateBootableMedia: func() StepConfig { return new(CreateBootableMediaConfig) },
	TypeGenerateAnswerFile:  func() StepConfig { return new(GenerateAnswerFileConfig) },
	TypeCustomScript:        func() StepConfig { return new(CustomScriptConfig) },
}

// NewStepConfig returns a newly instantiated config value for the step
// type, or nil for an unknown type.
func NewStepConfig(t StepType) StepConfig {
	f, ok := configFactories[t]
	if !ok {
		return nil
	}
	return f()
}

// Step is a single workflow step. Authored once; immutable during a
// single execution run.
type Step struct {
	ID              string      `json:"id"`
	Type            StepType    `json:"type"`
	Config          StepConfig  `json:"-"`
	ContinueOnError bool        `json:"continue_on_error,omitempty"`
	TimeoutSeconds  int         `json:"timeout_seconds,omitempty"` // 0 = unbounded
	Conditions      []Condition `json:"conditions,omitempty"`
	DependsOn       []string    `json:"depends_on,omitempty"`
}

// Validate checks a step for a usable ID, type, config, and conditions.
func (s *Step) Validate() error {
	if s.ID == "" {
		return ErrMissingStepID
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStepType, s.Type)
	}
	if s.Config == nil {
		return ErrMissingConfig
	}
	if s.Config.StepType() != s.Type {
		return fmt.Errorf("%w: have %s, want %s", ErrIncorrectConfigType, s.Config.StepType(), s.Type)
	}
	for i := range s.Conditions {
		if err := s.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// stepJSON is the wire form of a step. Config is raw until the step
// type is known.
type stepJSON struct {
	ID              string          `json:"id"`
	Type            StepType        `json:"type"`
	Config          json.RawMessage `json:"config,omitempty"`
	ContinueOnError bool            `json:"continue_on_error,omitempty"`
	TimeoutSeconds  int             `json:"timeout_seconds,omitempty"`
	Conditions      []Condition     `json:"conditions,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
}

// UnmarshalJSON decodes a step, dispatching the config payload to the
// typed config struct for the step type.
func (s *Step) UnmarshalJSON(data []byte) error {
	var sj stepJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	cfg := NewStepConfig(sj.Type)
	if cfg == nil {
		return fmt.Errorf("%w: %s", ErrInvalidStepType, sj.Type)
	}
	if len(sj.Config) > 0 {
		if err := json.Unmarshal(sj.Config, cfg); err != nil {
			return fmt.Errorf("decoding %s config: %w", sj.Type, err)
		}
	}
	s.ID = sj.ID
	s.Type = sj.Type
	s.Config = cfg
	s.ContinueOnError = sj.ContinueOnError
	s.TimeoutSeconds = sj.TimeoutSeconds
	s.Conditions = sj.Conditions
	s.DependsOn = sj.DependsOn
	return nil
}

// MarshalJSON encodes a step including its typed config payload.
func (s Step) MarshalJSON() ([]byte, error) {
	sj := stepJSON{
		ID:              s.ID,
		Type:            s.Type,
		ContinueOnError: s.ContinueOnError,
		TimeoutSeconds:  s.TimeoutSeconds,
		Conditions:      s.Conditions,
		DependsOn:       s.DependsOn,
	}
	if s.Config != nil {
		raw, err := json.Marshal(s.Config)
		if err != nil {
			return nil, fmt.Errorf("encoding %s config: %w", s.Type, err)
		}
		sj.Config = raw
	}
	return json.Marshal(&sj)
}
