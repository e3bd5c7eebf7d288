package httpdto

import "convosync/internal/domain/call"

// StartCallRequest is used for POST /conversations/:id/calls
type StartCallRequest struct {
	Kind string `json:"kind" binding:"required"`
}

// StartCallResponse carries the live session. Created is false when the
// conversation already had one and the caller should answer it instead.
type StartCallResponse struct {
	Call    call.Session `json:"call"`
	Created bool         `json:"created"`
}

// TransitionCallRequest is used for POST /calls/:id/transition
type TransitionCallRequest struct {
	To   string  `json:"to" binding:"required"`
	Kind *string `json:"kind,omitempty"`
}

// UpdateCallMediaRequest is used for PUT /calls/:id/media
type UpdateCallMediaRequest struct {
	Muted     bool `json:"muted"`
	CameraOff bool `json:"camera_off"`
}

// RelayTokenRequest is used for POST /relay/token
type RelayTokenRequest struct {
	CallID string `json:"call_id" binding:"required"`
	Role   string `json:"role,omitempty"`
}
