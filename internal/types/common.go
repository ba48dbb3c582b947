package types

// GrantRequest asks the origin server for a single-object write grant.
type GrantRequest struct {
	FileType     string            `json:"fileType"`
	ContentType  string            `json:"contentType"`
	OriginalName string            `json:"originalName"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// GrantResponse is the provider-shaped grant. FormData is only set when
// Method is POST and keeps the order the server emitted it in.
type GrantResponse struct {
	Key       string `json:"key"`
	UploadURL string `json:"uploadUrl"`
	Method    string `json:"method"`
	FormData  Fields `json:"formData,omitempty"`
	PublicURL string `json:"publicUrl"`
}

// ConfirmRequest tells the origin server the transfer finished.
type ConfirmRequest struct {
	Key      string            `json:"key"`
	FileType string            `json:"fileType"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ConfirmResponse carries the canonical address; every other member of the
// JSON object is server metadata.
type ConfirmResponse struct {
	PublicURL string
	Key       string
	Metadata  map[string]interface{}
}

// ErrorResponse is the body the origin server writes on failure.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
