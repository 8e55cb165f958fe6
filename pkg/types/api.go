package types

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// Required prompt text describing the image.
	Prompt string `json:"prompt"`
	// Number of denoising steps.
	Steps int `json:"steps"`
	// Classifier-free guidance scale (0 disables guidance on turbo models).
	GuidanceScale float64 `json:"guidance_scale"`
	// Output width in pixels; must be divisible by 16.
	Width int `json:"width"`
	// Output height in pixels; must be divisible by 16.
	Height int `json:"height"`
	// Random seed; -1 lets the server choose.
	Seed int64 `json:"seed"`
}

// GenerateResponse is returned by POST /generate on success.
type GenerateResponse struct {
	// Encoded image reference, usually a data URL.
	Image string `json:"image"`
}

// SettingsResponse is returned by GET /settings.
type SettingsResponse struct {
	// Directory the service caches model weights in.
	CacheDir *string `json:"cache_dir,omitempty"`
	// Model identifier the service loads.
	ModelID string `json:"model_id,omitempty"`
	// Whether the service offloads model weights to CPU memory.
	CPUOffload bool `json:"cpu_offload,omitempty"`
}

// ModelPathRequest is the body of POST /settings/model-path.
type ModelPathRequest struct {
	CacheDir   string `json:"cache_dir"`
	CPUOffload bool   `json:"cpu_offload"`
}

// AckResponse is a generic acknowledgement payload.
type AckResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Progress of the current generation in percent.
	Progress int `json:"progress"`
	// Human readable service activity.
	Message string `json:"message"`
	// True while a generation is running.
	IsGenerating bool `json:"is_generating"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the service's error payload.
type ErrorResponse struct {
	// Error detail.
	Detail string `json:"detail"`
}

// FrameTypeNotification is the only frame type the notification channel carries.
const FrameTypeNotification = "notification"

// NotificationFrame is a frame pushed by the service on the notification channel.
type NotificationFrame struct {
	Type string `json:"type"`
	// One of info, success, error, warning.
	NotificationType string `json:"notification_type"`
	Message string `json:"message"`
}
