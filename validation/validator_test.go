package validation

import (
	"testing"

	apperrors "github.com/cobrun/tripwatch/errors"
)

func TestValidateCoordinates(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		tag     string
		wantErr bool
	}{
		{"latitude valid", 37.7749, "latitude", false},
		{"latitude max", 90, "latitude", false},
		{"latitude too high", 91, "latitude", true},
		{"latitude too low", -91, "latitude", true},
		{"longitude valid", -122.4194, "longitude", false},
		{"longitude min", -180, "longitude", false},
		{"longitude too high", 180.5, "longitude", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVar(tt.value, tt.tag)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVar(%v, %q) error = %v, wantErr %v", tt.value, tt.tag, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEnums(t *testing.T) {
	tests := []struct {
		value   string
		tag     string
		wantErr bool
	}{
		{"in_progress", "trip_status", false},
		{"requested", "trip_status", true},
		{"urgent", "priority", false},
		{"critical", "priority", true},
		{"supervisor", "recipient_role", false},
		{"rider", "recipient_role", true},
	}

	for _, tt := range tests {
		t.Run(tt.tag+"/"+tt.value, func(t *testing.T) {
			err := ValidateVar(tt.value, tt.tag)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVar(%q, %q) error = %v, wantErr %v", tt.value, tt.tag, err, tt.wantErr)
			}
		})
	}
}

type sample struct {
	Lat      float64 `json:"lat" validate:"latitude"`
	Lng      float64 `json:"lng" validate:"longitude"`
	DriverID string  `json:"driver_id" validate:"required"`
}

func TestCheck(t *testing.T) {
	if err := Check(sample{Lat: 40, Lng: -73, DriverID: "d1"}); err != nil {
		t.Fatalf("Check(valid) = %v", err)
	}

	err := Check(sample{Lat: 100, Lng: -73})
	if !apperrors.IsValidation(err) {
		t.Fatalf("Check(invalid) = %v, want validation error", err)
	}

	var appErr *apperrors.AppError
	if !apperrors.As(err, &appErr) {
		t.Fatal("expected *AppError")
	}
	if appErr.Details["lat"] == "" {
		t.Errorf("missing detail for lat: %v", appErr.Details)
	}
	if appErr.Details["driver_id"] != "is required" {
		t.Errorf("Details[driver_id] = %q, want 'is required'", appErr.Details["driver_id"])
	}
}

func TestValidationErrors_Error(t *testing.T) {
	ve := ValidationErrors{
		{Field: "lat", Message: "is invalid"},
		{Field: "lng", Message: "is required"},
	}
	if got := ve.Error(); got != "lat: is invalid; lng: is required" {
		t.Errorf("Error() = %q", got)
	}
	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should produce empty string")
	}
}
