package gpu

// FanController manages fan operations
type FanController interface {
	GetSpeedLimits() FanSpeedLimits
	EnableAuto() error
	SetSpeed(speed FanSpeed) error
	IsAutoMode() bool
}

// PowerController manages power operations
type PowerController interface {
	SetLimit(limit PowerLimit) error
	GetLimits() PowerLimits
	GetCurrentLimit() PowerLimit
	ResetToDefault() error
}

// Domain types for type safety and validation
type (
	FanSpeed   int
	PowerLimit int

	FanSpeedLimits struct {
		Min, Max, Default FanSpeed
	}

	PowerLimits struct {
		Min, Max, Default PowerLimit
	}
)
