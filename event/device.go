package event

import "time"

func init() {
	Register(TypeDeviceRegistered, func() Event { return &DeviceRegistered{} })
	Register(TypeDeviceDeleted, func() Event { return &DeviceDeleted{} })
	Register(TypeMediaFileUploaded, func() Event { return &MediaFileUploaded{} })
}

// DeviceRegistered is published when a user pairs a new device.
type DeviceRegistered struct {
	DeviceID   string    `json:"device_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name,omitempty"`
	DeviceType string    `json:"device_type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *DeviceRegistered) Type() string    { return TypeDeviceRegistered }
func (e *DeviceRegistered) Subject() string { return TypeDeviceRegistered }

func (e *DeviceRegistered) Validate() error {
	return validateDevice(TypeDeviceRegistered, e.DeviceID, e.UserID)
}

// DeviceDeleted is published when a device is removed. Consumers clean up
// anything referencing the device and must tolerate devices they never saw.
type DeviceDeleted struct {
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *DeviceDeleted) Type() string    { return TypeDeviceDeleted }
func (e *DeviceDeleted) Subject() string { return TypeDeviceDeleted }

func (e *DeviceDeleted) Validate() error {
	return validateDevice(TypeDeviceDeleted, e.DeviceID, e.UserID)
}

// MediaFileUploaded is published by the media service after a file is
// stored. DeviceID is set when the file was uploaded from or targeted at a
// device.
type MediaFileUploaded struct {
	FileID      string    `json:"file_id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *MediaFileUploaded) Type() string    { return TypeMediaFileUploaded }
func (e *MediaFileUploaded) Subject() string { return TypeMediaFileUploaded }

func (e *MediaFileUploaded) Validate() error {
	if e.FileID == "" {
		return invalid(TypeMediaFileUploaded, "file_id is required")
	}
	if e.UserID == "" {
		return invalid(TypeMediaFileUploaded, "user_id is required")
	}
	if e.SizeBytes < 0 {
		return invalid(TypeMediaFileUploaded, "size_bytes must not be negative")
	}
	return nil
}

func validateDevice(eventType, deviceID, userID string) error {
	if deviceID == "" {
		return invalid(eventType, "device_id is required")
	}
	if userID == "" {
		return invalid(eventType, "user_id is required")
	}
	return nil
}
