package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DeviceInfo is metadata reported alongside a location fix.
type DeviceInfo struct {
	ID           string `json:"device_id,omitempty" validate:"max=128"`
	BatteryLevel *int   `json:"battery_level,omitempty" validate:"omitempty,gte=0,lte=100"`
	NetworkType  string `json:"network_type,omitempty" validate:"max=32"`
}

// LocationSample is one position fix for a user.
type LocationSample struct {
	UserID    string     `json:"user_id" validate:"max=128"`
	Location  GeoPoint   `json:"location"`
	Accuracy  *float64   `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Timestamp time.Time  `json:"timestamp" validate:"required"`
	Device    DeviceInfo `json:"device"`
}

// ValidateSample checks a sample at the ingress boundary. Coordinate problems
// wrap ErrInvalidCoordinate; anything else wraps ErrInvalidSample.
func ValidateSample(s *LocationSample) error {
	if s == nil {
		return fmt.Errorf("%w: empty sample", ErrInvalidSample)
	}
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	fields := make([]string, 0, len(verrs))
	coordinate := false
	for _, fe := range verrs {
		if strings.HasPrefix(fe.StructNamespace(), "LocationSample.Location.") {
			coordinate = true
		}
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	if coordinate {
		return fmt.Errorf("%w: %s", ErrInvalidCoordinate, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %s", ErrInvalidSample, strings.Join(fields, ", "))
}
